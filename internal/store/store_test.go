package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleRecord(id string) *Record {
	return &Record{
		SessionID:        id,
		Project:          "demo",
		Terminal:         "iTerm2",
		SocketPath:       "/tmp/cbridge/" + id + ".sock",
		ProjectDir:       "/home/user/demo",
		WrapperPID:       4242,
		MirroringEnabled: true,
	}
}

func TestStore_CreateGet_RoundTrip(t *testing.T) {
	s := openTestStore(t)

	created, err := s.Create(sampleRecord("abc12345"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.Status != StatusActive {
		t.Errorf("Status = %s, want active", created.Status)
	}
	if created.CreatedAt.IsZero() || created.LastActivity.IsZero() {
		t.Error("timestamps should be stamped on create")
	}

	got, err := s.Get("abc12345")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil for existing record")
	}
	if got.Project != "demo" || got.Terminal != "iTerm2" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.SocketPath != "/tmp/cbridge/abc12345.sock" {
		t.Errorf("SocketPath = %s", got.SocketPath)
	}
	if got.WrapperPID != 4242 {
		t.Errorf("WrapperPID = %d, want 4242", got.WrapperPID)
	}
	if !got.MirroringEnabled {
		t.Error("MirroringEnabled should survive round trip")
	}
	if !got.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("CreatedAt changed: %v vs %v", got.CreatedAt, created.CreatedAt)
	}
}

func TestStore_Get_Missing(t *testing.T) {
	s := openTestStore(t)

	got, err := s.Get("nope")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Errorf("Get for missing id = %+v, want nil", got)
	}
}

func TestStore_Create_Duplicate(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.Create(sampleRecord("abc12345")); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}

	dup := sampleRecord("abc12345")
	dup.Project = "other"
	_, err := s.Create(dup)
	if !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("second Create error = %v, want ErrDuplicateSession", err)
	}

	// Store is unchanged by the failed create.
	got, err := s.Get("abc12345")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Project != "demo" {
		t.Errorf("Project = %s, original record was clobbered", got.Project)
	}
}

func TestStore_Update_RefreshesActivity(t *testing.T) {
	s := openTestStore(t)

	created, err := s.Create(sampleRecord("abc12345"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	ok, err := s.Update("abc12345", Update{
		ThreadHandle:  String("1700000000.000100"),
		ChannelHandle: String("C0AB12CD3"),
		Status:        String(StatusIdle),
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if !ok {
		t.Fatal("Update returned false for existing record")
	}

	got, err := s.Get("abc12345")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ThreadHandle != "1700000000.000100" || got.ChannelHandle != "C0AB12CD3" {
		t.Errorf("handles not updated: %+v", got)
	}
	if got.Status != StatusIdle {
		t.Errorf("Status = %s, want idle", got.Status)
	}
	// Untouched fields stay put.
	if got.Project != "demo" || got.SocketPath != created.SocketPath {
		t.Errorf("unrelated fields changed: %+v", got)
	}
	if !got.LastActivity.After(created.LastActivity) {
		t.Errorf("LastActivity %v not after %v", got.LastActivity, created.LastActivity)
	}
}

func TestStore_Update_Missing(t *testing.T) {
	s := openTestStore(t)

	ok, err := s.Update("ghost", Update{Status: String(StatusEnded)})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if ok {
		t.Error("Update for missing record returned true")
	}
}

func TestStore_Delete(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.Create(sampleRecord("abc12345")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	ok, err := s.Delete("abc12345")
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if !ok {
		t.Error("Delete returned false for existing record")
	}

	got, _ := s.Get("abc12345")
	if got != nil {
		t.Error("record still present after Delete")
	}

	ok, err = s.Delete("abc12345")
	if err != nil {
		t.Fatalf("second Delete failed: %v", err)
	}
	if ok {
		t.Error("second Delete returned true")
	}
}

func TestStore_List_StatusFilter(t *testing.T) {
	s := openTestStore(t)

	for _, id := range []string{"s1", "s2", "s3"} {
		if _, err := s.Create(sampleRecord(id)); err != nil {
			t.Fatalf("Create %s failed: %v", id, err)
		}
	}
	if _, err := s.Update("s2", Update{Status: String(StatusEnded)}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	all, err := s.List("")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("List() returned %d records, want 3", len(all))
	}

	active, err := s.List(StatusActive)
	if err != nil {
		t.Fatalf("List(active) failed: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("List(active) returned %d records, want 2", len(active))
	}
	for _, rec := range active {
		if rec.SessionID == "s2" {
			t.Error("ended record present in active list")
		}
	}
}

func TestStore_FindByThread(t *testing.T) {
	s := openTestStore(t)

	rec := sampleRecord("abc12345")
	rec.ThreadHandle = "1700000000.000100"
	rec.ChannelHandle = "C0AB12CD3"
	if _, err := s.Create(rec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := s.FindByThread("1700000000.000100", "")
	if err != nil {
		t.Fatalf("FindByThread failed: %v", err)
	}
	if got == nil || got.SessionID != "abc12345" {
		t.Errorf("FindByThread = %+v", got)
	}

	got, err = s.FindByThread("1700000000.000100", "C0AB12CD3")
	if err != nil {
		t.Fatalf("FindByThread with channel failed: %v", err)
	}
	if got == nil {
		t.Error("FindByThread with matching channel returned nil")
	}

	got, err = s.FindByThread("1700000000.000100", "CWRONG")
	if err != nil {
		t.Fatalf("FindByThread failed: %v", err)
	}
	if got != nil {
		t.Errorf("FindByThread with wrong channel = %+v, want nil", got)
	}

	got, err = s.FindByThread("1799999999.999999", "")
	if err != nil {
		t.Fatalf("FindByThread failed: %v", err)
	}
	if got != nil {
		t.Errorf("FindByThread for unknown thread = %+v, want nil", got)
	}
}

func TestStore_FindAllByThread_Siblings(t *testing.T) {
	s := openTestStore(t)

	short := sampleRecord("abc12345")
	short.ThreadHandle = "1700000000.000100"
	short.ChannelHandle = "C0AB12CD3"
	if _, err := s.Create(short); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	long := sampleRecord("abc12345-6789-4abc-8def-001122334455")
	long.ThreadHandle = "1700000000.000100"
	long.ChannelHandle = "C0AB12CD3"
	if _, err := s.Create(long); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	records, err := s.FindAllByThread("1700000000.000100", "C0AB12CD3")
	if err != nil {
		t.Fatalf("FindAllByThread failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("FindAllByThread returned %d records, want 2", len(records))
	}
}

func TestStore_FindLatestActiveForProject(t *testing.T) {
	s := openTestStore(t)

	older := sampleRecord("older123")
	if _, err := s.Create(older); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	newer := sampleRecord("newer123")
	if _, err := s.Create(newer); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := s.FindLatestActiveForProject("/home/user/demo")
	if err != nil {
		t.Fatalf("FindLatestActiveForProject failed: %v", err)
	}
	if got == nil || got.SessionID != "newer123" {
		t.Errorf("FindLatestActiveForProject = %+v, want newer123", got)
	}

	// Ended records never match.
	if _, err := s.Update("newer123", Update{Status: String(StatusEnded)}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, err = s.FindLatestActiveForProject("/home/user/demo")
	if err != nil {
		t.Fatalf("FindLatestActiveForProject failed: %v", err)
	}
	if got == nil || got.SessionID != "older123" {
		t.Errorf("FindLatestActiveForProject after end = %+v, want older123", got)
	}

	got, err = s.FindLatestActiveForProject("/nowhere")
	if err != nil {
		t.Fatalf("FindLatestActiveForProject failed: %v", err)
	}
	if got != nil {
		t.Errorf("FindLatestActiveForProject for unknown dir = %+v, want nil", got)
	}
}

func TestStore_Cleanup_AgeAndStatusGated(t *testing.T) {
	s := openTestStore(t)

	for _, id := range []string{"live1", "done1", "dead1"} {
		if _, err := s.Create(sampleRecord(id)); err != nil {
			t.Fatalf("Create %s failed: %v", id, err)
		}
	}
	if _, err := s.Update("done1", Update{Status: String(StatusEnded)}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if _, err := s.Update("dead1", Update{Status: String(StatusCrashed)}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	// Records are fresh, so a 1h threshold removes nothing.
	n, err := s.Cleanup(time.Hour)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Cleanup removed %d fresh records, want 0", n)
	}

	time.Sleep(30 * time.Millisecond)

	// Now everything ended/crashed is older than the threshold; the
	// active record must survive regardless of age.
	n, err = s.Cleanup(10 * time.Millisecond)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Cleanup removed %d records, want 2", n)
	}

	if rec, _ := s.Get("live1"); rec == nil {
		t.Error("active record deleted by cleanup")
	}
	if rec, _ := s.Get("done1"); rec != nil {
		t.Error("ended record survived cleanup")
	}
	if rec, _ := s.Get("dead1"); rec != nil {
		t.Error("crashed record survived cleanup")
	}
}
