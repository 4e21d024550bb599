package coordinator

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"

	"github.com/aqasem/rollcall/core/store"
)

// Record attribute keys for student entries.
const (
	attrUsername = "username"
	attrPassword = "password"
	attrPhone    = "phone"
	attrSubjects = "subjects"
	attrPending  = "pending"
	attrChatID   = "telegram_chat_id"
)

// Settings attribute keys.
const (
	attrURL             = "url"
	attrSelectedSubject = "selected_subject"
	attrHeadless        = "headless"
	attrGeoSource       = "geo_source"
	attrGeoLatitude     = "geo_latitude"
	attrGeoLongitude    = "geo_longitude"
	attrGeoAccuracy     = "geo_accuracy"
	attrSubjectsLibrary = "subjects_library"
)

// Student is the roster view assembled from a record. Passwords stay in the
// store and are never part of this view.
type Student struct {
	ID       string   `json:"id"`
	Username string   `json:"username"`
	Phone    string   `json:"phone"`
	Subjects []string `json:"subjects"`
	Pending  bool     `json:"pending"`
}

// StudentInput carries the writable student fields.
type StudentInput struct {
	ID       string
	Username string
	Password string
	Phone    string
	Subjects []string
}

// Settings is the shared-settings view.
type Settings struct {
	URL             string   `json:"url"`
	SelectedSubject string   `json:"selected_subject"`
	Headless        bool     `json:"headless"`
	GeoSource       string   `json:"geo_source"`
	GeoLatitude     float64  `json:"geo_latitude"`
	GeoLongitude    float64  `json:"geo_longitude"`
	GeoAccuracy     float64  `json:"geo_accuracy"`
	SubjectsLibrary []string `json:"subjects_library"`
}

func (in StudentInput) validate(requirePassword bool) error {
	if strings.TrimSpace(in.ID) == "" {
		return invalid("student_id", "must not be empty")
	}
	if in.ID == store.SettingsID {
		return invalid("student_id", "reserved id")
	}
	if requirePassword && strings.TrimSpace(in.Password) == "" {
		return invalid("password", "must not be empty")
	}
	return nil
}

// StudentFromRecord converts a stored record into the roster view.
func StudentFromRecord(rec store.Record) Student {
	s := Student{ID: rec.ID}
	s.Username = attrString(rec.Attrs, attrUsername)
	s.Phone = attrString(rec.Attrs, attrPhone)
	s.Subjects = attrStrings(rec.Attrs, attrSubjects)
	s.Pending = attrBool(rec.Attrs, attrPending)
	return s
}

// AddStudent creates an approved roster entry. Duplicate ids are rejected.
func (c *Coordinator) AddStudent(ctx context.Context, caller string, in StudentInput) error {
	if err := in.validate(true); err != nil {
		return err
	}
	_, err := c.Apply(ctx, caller, func(d *store.Document) error {
		if _, exists := d.Records[in.ID]; exists {
			return invalid("student_id", "already exists")
		}
		d.Records[in.ID] = store.Record{ID: in.ID, Attrs: studentAttrs(in, false)}
		return nil
	})
	return err
}

// RequestStudent creates a pending entry awaiting admin approval. Used by
// the bot's self-registration flow.
func (c *Coordinator) RequestStudent(ctx context.Context, caller string, in StudentInput, chatID int64) error {
	if err := in.validate(true); err != nil {
		return err
	}
	_, err := c.Apply(ctx, caller, func(d *store.Document) error {
		if _, exists := d.Records[in.ID]; exists {
			return invalid("student_id", "already exists")
		}
		attrs := studentAttrs(in, true)
		if chatID != 0 {
			attrs[attrChatID] = chatID
		}
		d.Records[in.ID] = store.Record{ID: in.ID, Attrs: attrs}
		return nil
	})
	return err
}

// UpdateStudent replaces the writable fields of an existing entry. An empty
// password keeps the stored one.
func (c *Coordinator) UpdateStudent(ctx context.Context, caller string, in StudentInput) error {
	if err := in.validate(false); err != nil {
		return err
	}
	_, err := c.Apply(ctx, caller, func(d *store.Document) error {
		rec, ok := d.Records[in.ID]
		if !ok {
			return notFound("student", in.ID)
		}
		if rec.Attrs == nil {
			rec.Attrs = make(map[string]any)
		}
		rec.Attrs[attrUsername] = in.Username
		rec.Attrs[attrPhone] = in.Phone
		if strings.TrimSpace(in.Password) != "" {
			rec.Attrs[attrPassword] = in.Password
		}
		if in.Subjects != nil {
			rec.Attrs[attrSubjects] = toAnySlice(in.Subjects)
		}
		d.Records[in.ID] = rec
		return nil
	})
	return err
}

// DeleteStudent removes a roster entry.
func (c *Coordinator) DeleteStudent(ctx context.Context, caller, id string) error {
	if id == store.SettingsID {
		return invalid("student_id", "reserved id")
	}
	_, err := c.Apply(ctx, caller, func(d *store.Document) error {
		if _, ok := d.Records[id]; !ok {
			return notFound("student", id)
		}
		delete(d.Records, id)
		return nil
	})
	return err
}

// ApproveStudent clears the pending flag.
func (c *Coordinator) ApproveStudent(ctx context.Context, caller, id string) error {
	return c.setPending(ctx, caller, id, false)
}

// RejectStudent drops a pending entry. Approved entries are not touched.
func (c *Coordinator) RejectStudent(ctx context.Context, caller, id string) error {
	_, err := c.Apply(ctx, caller, func(d *store.Document) error {
		rec, ok := d.Records[id]
		if !ok {
			return notFound("student", id)
		}
		if !attrBool(rec.Attrs, attrPending) {
			return invalid("student_id", "not pending")
		}
		delete(d.Records, id)
		return nil
	})
	return err
}

func (c *Coordinator) setPending(ctx context.Context, caller, id string, pending bool) error {
	_, err := c.Apply(ctx, caller, func(d *store.Document) error {
		rec, ok := d.Records[id]
		if !ok {
			return notFound("student", id)
		}
		if rec.Attrs == nil {
			rec.Attrs = make(map[string]any)
		}
		if pending {
			rec.Attrs[attrPending] = true
		} else {
			delete(rec.Attrs, attrPending)
		}
		d.Records[id] = rec
		return nil
	})
	return err
}

// ListStudents returns the roster sorted by id, settings excluded.
func (c *Coordinator) ListStudents(ctx context.Context) ([]Student, error) {
	doc, err := c.State(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Student, 0, len(doc.Records))
	for id, rec := range doc.Records {
		if id == store.SettingsID {
			continue
		}
		out = append(out, StudentFromRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// StudentByChatID finds the student record linked to a Telegram chat id.
func (c *Coordinator) StudentByChatID(ctx context.Context, chatID int64) (Student, error) {
	doc, err := c.State(ctx)
	if err != nil {
		return Student{}, err
	}
	for id, rec := range doc.Records {
		if id == store.SettingsID {
			continue
		}
		if ChatID(rec) == chatID && chatID != 0 {
			return StudentFromRecord(rec), nil
		}
	}
	return Student{}, notFound("student with chat id", strconv.FormatInt(chatID, 10))
}

// AssignSubject adds a subject to a student, keeping the list sorted and
// duplicate-free, and makes sure the subject is in the shared library.
func (c *Coordinator) AssignSubject(ctx context.Context, caller, id, subject string) error {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return invalid("subject", "must not be empty")
	}
	_, err := c.Apply(ctx, caller, func(d *store.Document) error {
		rec, ok := d.Records[id]
		if !ok {
			return notFound("student", id)
		}
		if rec.Attrs == nil {
			rec.Attrs = make(map[string]any)
		}
		rec.Attrs[attrSubjects] = toAnySlice(addString(attrStrings(rec.Attrs, attrSubjects), subject))
		d.Records[id] = rec
		addLibrarySubject(d, subject)
		return nil
	})
	return err
}

// UnassignSubject removes a subject from a student.
func (c *Coordinator) UnassignSubject(ctx context.Context, caller, id, subject string) error {
	_, err := c.Apply(ctx, caller, func(d *store.Document) error {
		rec, ok := d.Records[id]
		if !ok {
			return notFound("student", id)
		}
		cur := attrStrings(rec.Attrs, attrSubjects)
		next := cur[:0]
		for _, s := range cur {
			if !strings.EqualFold(s, subject) {
				next = append(next, s)
			}
		}
		if rec.Attrs == nil {
			rec.Attrs = make(map[string]any)
		}
		rec.Attrs[attrSubjects] = toAnySlice(next)
		d.Records[id] = rec
		return nil
	})
	return err
}

// AddSubject adds a subject to the shared library.
func (c *Coordinator) AddSubject(ctx context.Context, caller, subject string) error {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return invalid("subject", "must not be empty")
	}
	_, err := c.Apply(ctx, caller, func(d *store.Document) error {
		addLibrarySubject(d, subject)
		return nil
	})
	return err
}

// RemoveSubject drops a subject from the shared library. Per-student
// assignments are left alone.
func (c *Coordinator) RemoveSubject(ctx context.Context, caller, subject string) error {
	_, err := c.Apply(ctx, caller, func(d *store.Document) error {
		rec := settingsRecord(d)
		cur := attrStrings(rec.Attrs, attrSubjectsLibrary)
		next := cur[:0]
		for _, s := range cur {
			if !strings.EqualFold(s, subject) {
				next = append(next, s)
			}
		}
		rec.Attrs[attrSubjectsLibrary] = toAnySlice(next)
		d.Records[store.SettingsID] = rec
		return nil
	})
	return err
}

// GetSettings returns the shared settings with config-less defaults.
func (c *Coordinator) GetSettings(ctx context.Context) (Settings, error) {
	doc, err := c.State(ctx)
	if err != nil {
		return Settings{}, err
	}
	return settingsFromDoc(doc), nil
}

func settingsFromDoc(doc *store.Document) Settings {
	rec, ok := doc.Records[store.SettingsID]
	var s Settings
	if !ok {
		return s
	}
	s.URL = attrString(rec.Attrs, attrURL)
	s.SelectedSubject = attrString(rec.Attrs, attrSelectedSubject)
	s.Headless = attrBool(rec.Attrs, attrHeadless)
	s.GeoSource = attrString(rec.Attrs, attrGeoSource)
	s.GeoLatitude = attrFloat(rec.Attrs, attrGeoLatitude)
	s.GeoLongitude = attrFloat(rec.Attrs, attrGeoLongitude)
	s.GeoAccuracy = attrFloat(rec.Attrs, attrGeoAccuracy)
	s.SubjectsLibrary = attrStrings(rec.Attrs, attrSubjectsLibrary)
	return s
}

func validGeoSource(source string) error {
	switch source {
	case "", "fixed", "ip", "browser":
		return nil
	}
	return invalid("geo_source", "allowed: fixed, ip, browser")
}

func writeSettings(d *store.Document, s Settings) {
	rec := settingsRecord(d)
	rec.Attrs[attrURL] = s.URL
	rec.Attrs[attrSelectedSubject] = s.SelectedSubject
	rec.Attrs[attrHeadless] = s.Headless
	rec.Attrs[attrGeoSource] = s.GeoSource
	rec.Attrs[attrGeoLatitude] = s.GeoLatitude
	rec.Attrs[attrGeoLongitude] = s.GeoLongitude
	rec.Attrs[attrGeoAccuracy] = s.GeoAccuracy
	if s.SubjectsLibrary != nil {
		rec.Attrs[attrSubjectsLibrary] = toAnySlice(s.SubjectsLibrary)
	}
	d.Records[store.SettingsID] = rec
}

// UpdateSettings overwrites the shared settings record.
func (c *Coordinator) UpdateSettings(ctx context.Context, caller string, s Settings) error {
	if err := validGeoSource(s.GeoSource); err != nil {
		return err
	}
	_, err := c.Apply(ctx, caller, func(d *store.Document) error {
		writeSettings(d, s)
		return nil
	})
	return err
}

// MutateSettings edits single settings fields inside the write cycle.
// mutate always sees the settings read from the fresh document, so a
// concurrent edit of another field survives the conflict retry instead of
// being clobbered by a stale snapshot.
func (c *Coordinator) MutateSettings(ctx context.Context, caller string, mutate func(*Settings)) error {
	_, err := c.Apply(ctx, caller, func(d *store.Document) error {
		s := settingsFromDoc(d)
		mutate(&s)
		if err := validGeoSource(s.GeoSource); err != nil {
			return err
		}
		writeSettings(d, s)
		return nil
	})
	return err
}

// SeedSettings creates the settings record with def when none exists yet.
// Operator state always wins: an existing record is left untouched, which
// keeps the call idempotent across both processes.
func (c *Coordinator) SeedSettings(ctx context.Context, caller string, def Settings) error {
	if err := validGeoSource(def.GeoSource); err != nil {
		return err
	}
	_, err := c.Apply(ctx, caller, func(d *store.Document) error {
		if _, ok := d.Records[store.SettingsID]; ok {
			return errNoChange
		}
		writeSettings(d, def)
		return nil
	})
	if errors.Is(err, errNoChange) {
		return nil
	}
	return err
}

func settingsRecord(d *store.Document) store.Record {
	rec, ok := d.Records[store.SettingsID]
	if !ok {
		rec = store.Record{ID: store.SettingsID}
	}
	if rec.Attrs == nil {
		rec.Attrs = make(map[string]any)
	}
	return rec
}

func addLibrarySubject(d *store.Document, subject string) {
	rec := settingsRecord(d)
	rec.Attrs[attrSubjectsLibrary] = toAnySlice(addString(attrStrings(rec.Attrs, attrSubjectsLibrary), subject))
	d.Records[store.SettingsID] = rec
}

func studentAttrs(in StudentInput, pending bool) map[string]any {
	attrs := map[string]any{
		attrUsername: in.Username,
		attrPassword: in.Password,
		attrPhone:    in.Phone,
	}
	if in.Subjects != nil {
		attrs[attrSubjects] = toAnySlice(in.Subjects)
	}
	if pending {
		attrs[attrPending] = true
	}
	return attrs
}

func addString(list []string, v string) []string {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return list
		}
	}
	list = append(list, v)
	sort.Strings(list)
	return list
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func attrString(attrs map[string]any, key string) string {
	if v, ok := attrs[key].(string); ok {
		return v
	}
	return ""
}

func attrBool(attrs map[string]any, key string) bool {
	if v, ok := attrs[key].(bool); ok {
		return v
	}
	return false
}

func attrFloat(attrs map[string]any, key string) float64 {
	switch v := attrs[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func attrStrings(attrs map[string]any, key string) []string {
	switch v := attrs[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func attrInt64(attrs map[string]any, key string) int64 {
	switch v := attrs[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// ChatID returns the Telegram chat id stored on a student record, 0 if none.
func ChatID(rec store.Record) int64 {
	return attrInt64(rec.Attrs, attrChatID)
}

// Credentials exposes the stored login pair for the automation runner.
func Credentials(rec store.Record) (username, password string) {
	return attrString(rec.Attrs, attrUsername), attrString(rec.Attrs, attrPassword)
}

// HasSubject reports whether a student record carries the subject.
func HasSubject(rec store.Record, subject string) bool {
	for _, s := range attrStrings(rec.Attrs, attrSubjects) {
		if strings.EqualFold(s, subject) {
			return true
		}
	}
	return false
}

// IsPending reports whether a record awaits approval.
func IsPending(rec store.Record) bool {
	return attrBool(rec.Attrs, attrPending)
}
