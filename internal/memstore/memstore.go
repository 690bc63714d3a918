// Package memstore keeps every repository in process memory. Tests use it in
// place of Postgres.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"artcenter/internal/accounting"
	"artcenter/internal/attendance"
	"artcenter/internal/auth"
	"artcenter/internal/model"
	"artcenter/internal/passwordreset"
	"artcenter/internal/schedule"
)

type pair struct{ a, b int64 }

type statKey struct {
	teacherID   int64
	year, month int
}

// Store is a goroutine-safe in-memory data set.
type Store struct {
	mu          sync.Mutex
	nextID      int64
	classes     map[int64]model.Class
	students    map[int64]schedule.Student
	sessions    map[int64]model.ClassSession
	enrollments map[pair]model.Enrollment
	schedules   []model.ClassSchedule
	attendance  map[pair]model.Attendance
	stats       map[statKey]int
	users       map[int64]model.User
	otps        map[string]passwordreset.OTP
	fail        map[string]error
	writes      int
}

// New returns an empty store.
func New() *Store {
	return &Store{
		classes:     make(map[int64]model.Class),
		students:    make(map[int64]schedule.Student),
		sessions:    make(map[int64]model.ClassSession),
		enrollments: make(map[pair]model.Enrollment),
		attendance:  make(map[pair]model.Attendance),
		stats:       make(map[statKey]int),
		users:       make(map[int64]model.User),
		otps:        make(map[string]passwordreset.OTP),
		fail:        make(map[string]error),
	}
}

// FailOn makes the named repository method return err until cleared with a
// nil err.
func (s *Store) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, method)
		return
	}
	s.fail[method] = err
}

// Writes counts committed mutating calls.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// AddClass stores c, assigning an id when c.ID is zero.
func (s *Store) AddClass(c model.Class) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		c.ID = s.id()
	}
	s.classes[c.ID] = c
	return c.ID
}

// AddStudent stores a student.
func (s *Store) AddStudent(id int64, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.students[id] = schedule.Student{ID: id, FullName: name}
}

// Enroll adds or replaces an enrollment.
func (s *Store) Enroll(e model.Enrollment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enrollments[pair{e.ClassID, e.StudentID}] = e
}

// Enrollment returns a stored enrollment.
func (s *Store) Enrollment(classID, studentID int64) (model.Enrollment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[pair{classID, studentID}]
	return e, ok
}

// AddSession stores sess, assigning an id when sess.ID is zero.
func (s *Store) AddSession(sess model.ClassSession) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.ID == 0 {
		sess.ID = s.id()
	}
	if sess.Status == "" {
		sess.Status = model.SessionPlanned
	}
	sess.Date = model.DateOf(sess.Date)
	s.sessions[sess.ID] = sess
	return sess.ID
}

// StoredSession returns a stored session.
func (s *Store) StoredSession(id int64) (model.ClassSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// AddSchedule stores a weekly schedule.
func (s *Store) AddSchedule(cs model.ClassSchedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cs.ID == 0 {
		cs.ID = s.id()
	}
	s.schedules = append(s.schedules, cs)
}

// PutAttendance stores a row as if it had been recorded earlier.
func (s *Store) PutAttendance(a model.Attendance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == 0 {
		a.ID = s.id()
	}
	s.attendance[pair{a.SessionID, a.StudentID}] = a
}

// Stat returns a teacher's taught count for a month.
func (s *Store) Stat(teacherID int64, year, month int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats[statKey{teacherID, year, month}]
}

// AddUser stores u, assigning an id when u.ID is zero.
func (s *Store) AddUser(u model.User) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == 0 {
		u.ID = s.id()
	}
	s.users[u.ID] = u
	return u.ID
}

// User returns a stored user.
func (s *Store) User(id int64) (model.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u, ok
}

// OTPs returns a user's stored codes, newest first.
func (s *Store) OTPs(userID int64) []passwordreset.OTP {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []passwordreset.OTP
	for _, o := range s.otps {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtUtc.After(out[j].CreatedAtUtc) })
	return out
}

func (s *Store) failure(method string) error {
	return s.fail[method]
}

// accounting

var _ accounting.Repository = (*Store)(nil)

// WithTx runs fn with the store locked and restores the previous state if fn
// fails.
func (s *Store) WithTx(ctx context.Context, fn func(accounting.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("WithTx"); err != nil {
		return err
	}
	snapshot := s.snapshot()
	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		s.restore(snapshot)
		return err
	}
	s.writes += tx.writes
	return nil
}

func (s *Store) MonthlyStats(ctx context.Context, teacherID int64, year int) ([]model.TeacherMonthlyStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.TeacherMonthlyStat
	for k, n := range s.stats {
		if k.teacherID == teacherID && k.year == year {
			out = append(out, model.TeacherMonthlyStat{TeacherID: teacherID, Year: year, Month: k.month, TaughtCount: n})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month < out[j].Month })
	return out, nil
}

type state struct {
	sessions    map[int64]model.ClassSession
	enrollments map[pair]model.Enrollment
	stats       map[statKey]int
}

func (s *Store) snapshot() state {
	st := state{
		sessions:    make(map[int64]model.ClassSession, len(s.sessions)),
		enrollments: make(map[pair]model.Enrollment, len(s.enrollments)),
		stats:       make(map[statKey]int, len(s.stats)),
	}
	for k, v := range s.sessions {
		st.sessions[k] = v
	}
	for k, v := range s.enrollments {
		st.enrollments[k] = v
	}
	for k, v := range s.stats {
		st.stats[k] = v
	}
	return st
}

func (s *Store) restore(st state) {
	s.sessions = st.sessions
	s.enrollments = st.enrollments
	s.stats = st.stats
}

type memTx struct {
	s      *Store
	writes int
}

func (t *memTx) LockSession(ctx context.Context, sessionID int64) (model.ClassSession, error) {
	if err := t.s.failure("LockSession"); err != nil {
		return model.ClassSession{}, err
	}
	sess, ok := t.s.sessions[sessionID]
	if !ok {
		return model.ClassSession{}, accounting.ErrNotFound
	}
	return sess, nil
}

func (t *memTx) IncrementTeacherStat(ctx context.Context, teacherID int64, year, month int) error {
	if err := t.s.failure("IncrementTeacherStat"); err != nil {
		return err
	}
	t.s.stats[statKey{teacherID, year, month}]++
	t.writes++
	return nil
}

func (t *memTx) DebitAttendees(ctx context.Context, sessionID, classID int64) (int, error) {
	if err := t.s.failure("DebitAttendees"); err != nil {
		return 0, err
	}
	n := 0
	for k, a := range t.s.attendance {
		if k.a != sessionID {
			continue
		}
		e, ok := t.s.enrollments[pair{classID, a.StudentID}]
		if !ok || !e.IsActive {
			continue
		}
		e.RemainingSessions = max(e.RemainingSessions-1, 0)
		t.s.enrollments[pair{classID, a.StudentID}] = e
		n++
	}
	t.writes += n
	return n, nil
}

func (t *memTx) MarkApplied(ctx context.Context, sessionID int64, at time.Time) error {
	if err := t.s.failure("MarkApplied"); err != nil {
		return err
	}
	sess, ok := t.s.sessions[sessionID]
	if !ok {
		return accounting.ErrNotFound
	}
	sess.AccountingApplied = true
	sess.AccountingAppliedAtUtc = &at
	t.s.sessions[sessionID] = sess
	t.writes++
	return nil
}

// attendance

var _ attendance.Repository = (*Store)(nil)

func (s *Store) GetSession(ctx context.Context, sessionID int64) (model.ClassSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("GetSession"); err != nil {
		return model.ClassSession{}, err
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		return model.ClassSession{}, attendance.ErrNotFound
	}
	return sess, nil
}

func (s *Store) SetSessionStatus(ctx context.Context, sessionID int64, status model.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("SetSessionStatus"); err != nil {
		return err
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		return attendance.ErrNotFound
	}
	sess.Status = status
	s.sessions[sessionID] = sess
	s.writes++
	return nil
}

func (s *Store) ActiveRoster(ctx context.Context, classID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("ActiveRoster"); err != nil {
		return nil, err
	}
	var ids []int64
	for k, e := range s.enrollments {
		if k.a == classID && e.IsActive {
			ids = append(ids, k.b)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) ListAttendance(ctx context.Context, sessionID int64) ([]model.Attendance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("ListAttendance"); err != nil {
		return nil, err
	}
	var rows []model.Attendance
	for k, a := range s.attendance {
		if k.a == sessionID {
			rows = append(rows, a)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].StudentID < rows[j].StudentID })
	return rows, nil
}

func (s *Store) SaveAttendance(ctx context.Context, rows []model.Attendance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("SaveAttendance"); err != nil {
		return err
	}
	for _, a := range rows {
		k := pair{a.SessionID, a.StudentID}
		if old, ok := s.attendance[k]; ok {
			a.ID = old.ID
		} else {
			a.ID = s.id()
		}
		s.attendance[k] = a
		s.writes++
	}
	return nil
}

func (s *Store) SweepCandidates(ctx context.Context, from, to time.Time, includeCancelled bool) ([]model.ClassSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("SweepCandidates"); err != nil {
		return nil, err
	}
	from, to = model.DateOf(from), model.DateOf(to)
	var out []model.ClassSession
	for _, sess := range s.sessions {
		if sess.Date.Before(from) || sess.Date.After(to) {
			continue
		}
		if !includeCancelled && sess.Status == model.SessionCancelled {
			continue
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		if out[i].StartTime != out[j].StartTime {
			return out[i].StartTime < out[j].StartTime
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) RecordedStudents(ctx context.Context, sessionID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("RecordedStudents"); err != nil {
		return nil, err
	}
	var ids []int64
	for k := range s.attendance {
		if k.a == sessionID {
			ids = append(ids, k.b)
		}
	}
	return ids, nil
}

func (s *Store) InsertAbsences(ctx context.Context, rows []model.Attendance) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("InsertAbsences"); err != nil {
		return 0, err
	}
	n := 0
	for _, a := range rows {
		k := pair{a.SessionID, a.StudentID}
		if _, ok := s.attendance[k]; ok {
			continue
		}
		a.ID = s.id()
		s.attendance[k] = a
		n++
	}
	s.writes += n
	return n, nil
}

// schedule

var _ schedule.Repository = (*Store)(nil)

func (s *Store) TeacherWeeklySchedules(ctx context.Context, teacherID int64, weekday time.Weekday) ([]model.ClassSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ClassSchedule
	for _, cs := range s.schedules {
		c := s.classes[cs.ClassID]
		if c.MainTeacherID == nil || *c.MainTeacherID != teacherID {
			continue
		}
		if cs.DayOfWeek == weekday && cs.IsActive {
			out = append(out, cs)
		}
	}
	return out, nil
}

func (s *Store) TeacherSessions(ctx context.Context, teacherID int64, date time.Time) ([]model.ClassSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ClassSession
	for _, sess := range s.sessions {
		if sess.TeacherID != nil && *sess.TeacherID == teacherID && model.SameDate(sess.Date, date) {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (s *Store) ActiveStudents(ctx context.Context, classID int64) ([]schedule.Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schedule.Student
	for k, e := range s.enrollments {
		if k.a == classID && e.IsActive {
			out = append(out, s.students[k.b])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) OtherClassSessions(ctx context.Context, classID int64, date time.Time) ([]schedule.BookedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schedule.BookedSession
	for _, sess := range s.sessions {
		if sess.ClassID == classID || sess.Status == model.SessionCancelled || !model.SameDate(sess.Date, date) {
			continue
		}
		out = append(out, schedule.BookedSession{ClassSession: sess, ClassName: s.classes[sess.ClassID].Name})
	}
	return out, nil
}

func (s *Store) ActiveEnrollments(ctx context.Context, classIDs, studentIDs []int64) (map[int64][]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64][]int64)
	for _, c := range classIDs {
		for _, st := range studentIDs {
			if e, ok := s.enrollments[pair{c, st}]; ok && e.IsActive {
				out[c] = append(out[c], st)
			}
		}
	}
	return out, nil
}

// users and password reset

var (
	_ auth.UserRepository      = (*Store)(nil)
	_ passwordreset.Repository = (*Store)(nil)
)

func (s *Store) UserByEmail(ctx context.Context, email string) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return model.User{}, auth.ErrUserNotFound
}

func (s *Store) UserByID(ctx context.Context, id int64) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return model.User{}, auth.ErrUserNotFound
	}
	return u, nil
}

func (s *Store) LatestOTP(ctx context.Context, userID int64) (passwordreset.OTP, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest passwordreset.OTP
	found := false
	for _, o := range s.otps {
		if o.UserID == userID && (!found || o.CreatedAtUtc.After(latest.CreatedAtUtc)) {
			latest, found = o, true
		}
	}
	if !found {
		return passwordreset.OTP{}, passwordreset.ErrNoOTP
	}
	return latest, nil
}

func (s *Store) CreateOTP(ctx context.Context, otp passwordreset.OTP) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("CreateOTP"); err != nil {
		return err
	}
	s.otps[otp.ID] = otp
	s.writes++
	return nil
}

func (s *Store) ReserveAttempt(ctx context.Context, otpID string, max int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("ReserveAttempt"); err != nil {
		return 0, err
	}
	o, ok := s.otps[otpID]
	if !ok {
		return 0, passwordreset.ErrNoOTP
	}
	if o.Attempts >= max {
		return 0, passwordreset.ErrTooManyAttempts
	}
	o.Attempts++
	s.otps[otpID] = o
	s.writes++
	return o.Attempts, nil
}

func (s *Store) ConsumeOTP(ctx context.Context, otpID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.otps[otpID]
	if !ok || o.ConsumedAtUtc != nil {
		return passwordreset.ErrOTPExpired
	}
	o.ConsumedAtUtc = &at
	s.otps[otpID] = o
	s.writes++
	return nil
}

func (s *Store) SetPassword(ctx context.Context, userID int64, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return auth.ErrUserNotFound
	}
	u.PasswordHash = hash
	s.users[userID] = u
	s.writes++
	return nil
}

func (s *Store) PurgeOTPs(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, o := range s.otps {
		if o.ExpiresAtUtc.Before(before) {
			delete(s.otps, id)
			n++
		}
	}
	return n, nil
}
