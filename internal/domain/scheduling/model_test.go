package scheduling

import "testing"

func TestCanTransition(t *testing.T) {
	allowed := map[[2]string]bool{
		{StatusBooked, StatusBooked}:       true,
		{StatusBooked, StatusCancelled}:    true,
		{StatusBooked, StatusCheckedIn}:    true,
		{StatusBooked, StatusNoShow}:       true,
		{StatusCheckedIn, StatusCompleted}: true,
	}
	all := []string{StatusBooked, StatusCheckedIn, StatusCompleted, StatusCancelled, StatusNoShow}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]string{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
	if CanTransition("", StatusBooked) {
		t.Error("expected no transition from an unknown status")
	}
}

func TestIsActive(t *testing.T) {
	for status, want := range map[string]bool{
		StatusBooked: true, StatusCheckedIn: true,
		StatusCompleted: false, StatusCancelled: false, StatusNoShow: false,
	} {
		if IsActive(status) != want {
			t.Errorf("IsActive(%s) = %v", status, !want)
		}
	}
	if !consumesCapacity(StatusCompleted) || consumesCapacity(StatusCancelled) {
		t.Error("completed must consume capacity, cancelled must not")
	}
}

func TestScheduleWindow(t *testing.T) {
	s := &Schedule{StartTime: "09:00", EndTime: "12:00", Status: ScheduleOpen, DoctorActive: true}
	w, err := s.Window()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.String() != "09:00-12:00" {
		t.Errorf("got %s", w)
	}
	if !s.Bookable() {
		t.Error("expected open schedule of an active doctor to be bookable")
	}
	s.DoctorActive = false
	if s.Bookable() {
		t.Error("expected inactive doctor schedule not bookable")
	}
}
