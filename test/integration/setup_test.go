package integration

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/opd/opd/internal/domain/admin"
	"github.com/opd/opd/internal/domain/identity"
	"github.com/opd/opd/internal/domain/scheduling"
	"github.com/opd/opd/internal/platform/auth"
	"github.com/opd/opd/internal/platform/blobstore"
	"github.com/opd/opd/internal/platform/db"
	"github.com/opd/opd/internal/platform/events"
	"github.com/opd/opd/migrations"
)

// globalPool is the migrated test database, initialized once in TestMain.
var globalPool *pgxpool.Pool

// TestMain connects to OPD_TEST_DATABASE_URL, or starts a throwaway
// Postgres container when OPD_INTEGRATION=1. Without either the package is
// skipped.
func TestMain(m *testing.M) {
	ctx := context.Background()

	connStr := os.Getenv("OPD_TEST_DATABASE_URL")
	cleanup := func() {}
	if connStr == "" {
		if os.Getenv("OPD_INTEGRATION") != "1" {
			fmt.Println("skipping integration tests: set OPD_TEST_DATABASE_URL or OPD_INTEGRATION=1")
			os.Exit(0)
		}
		var err error
		connStr, cleanup, err = startPostgresContainer(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start postgres: %v\n", err)
			os.Exit(1)
		}
	}

	pool, err := db.NewPool(ctx, connStr, 20, 2)
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	if _, err := db.NewMigrator(pool, migrations.FS).Up(ctx); err != nil {
		pool.Close()
		cleanup()
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	globalPool = pool
	code := m.Run()
	pool.Close()
	cleanup()
	os.Exit(code)
}

// stack is the service graph main wires, backed by the test database.
type stack struct {
	identity   *identity.Service
	scheduling *scheduling.Service
	admin      *admin.Service
	events     *events.Recorder
	blobs      *blobstore.MemoryStore
}

func newStack(t *testing.T) *stack {
	t.Helper()
	logger := zerolog.Nop()
	sessions := auth.NewMemorySessionStore()
	t.Cleanup(sessions.Close)
	tx := db.NewTxRunner(globalPool)

	st := &stack{events: &events.Recorder{}, blobs: blobstore.NewMemoryStore()}
	st.identity = identity.NewService(identity.NewUserRepo(globalPool), identity.NewPatientRepo(globalPool),
		identity.NewDoctorRepo(globalPool), tx, sessions, auth.NewTokenIssuer("integration-secret-0123456789abcdef"),
		time.Hour, logger)
	st.scheduling = scheduling.NewService(scheduling.NewScheduleRepo(globalPool),
		scheduling.NewAppointmentRepo(globalPool), st.identity, tx, st.events, scheduling.Options{
			Location:           time.UTC,
			BookingHorizonDays: 30,
			MaxReschedules:     2,
			CheckInOpen:        2 * time.Hour,
		}, logger)
	st.admin = admin.NewService(admin.NewDepartmentRepo(globalPool), admin.NewOversightRepo(globalPool),
		admin.NewAuditRepo(globalPool), st.blobs, tx, admin.Options{Location: time.UTC}, logger)
	return st
}

// unique returns a short random suffix so tests can share one database.
func unique() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString()[:8], "-", ""))
}

func (st *stack) department(t *testing.T) *admin.Department {
	t.Helper()
	suffix := unique()
	d, err := st.admin.CreateDepartment(context.Background(), &admin.DepartmentRequest{
		Code: "D" + suffix[:6],
		Name: "Department " + suffix,
	})
	if err != nil {
		t.Fatalf("create department: %v", err)
	}
	return d
}

func (st *stack) doctor(t *testing.T, deptID uuid.UUID) (scheduling.Actor, *identity.Doctor) {
	t.Helper()
	suffix := unique()
	doc, err := st.identity.CreateDoctor(context.Background(), &identity.CreateDoctorRequest{
		Username:     "doc" + strings.ToLower(suffix),
		Password:     "doctor-password-1",
		DepartmentID: deptID,
		Code:         "DR" + suffix[:6],
		FirstName:    "Rui",
		LastName:     "Costa " + suffix,
	})
	if err != nil {
		t.Fatalf("create doctor: %v", err)
	}
	return scheduling.Actor{UserID: doc.UserID, Role: auth.RoleDoctor}, doc
}

func (st *stack) patient(t *testing.T) (scheduling.Actor, *identity.Profile) {
	t.Helper()
	suffix := strings.ToLower(unique())
	p, err := st.identity.RegisterPatient(context.Background(), &identity.RegisterPatientRequest{
		Username:  "pat" + suffix,
		Password:  "patient-password-1",
		FirstName: "Ana",
		LastName:  "Silva " + suffix,
	})
	if err != nil {
		t.Fatalf("register patient: %v", err)
	}
	return scheduling.Actor{UserID: p.User.ID, Role: auth.RolePatient}, p
}

func tomorrow() string {
	return time.Now().UTC().AddDate(0, 0, 1).Format(time.DateOnly)
}
