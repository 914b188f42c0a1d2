// Package conversation tracks the multi-turn state of a budget request: which
// fields the user has supplied, which were defaulted or inferred, and what the
// assistant must ask or confirm before the pipeline may run.
//
// The state machine moves collecting -> confirming -> processing and ends in
// complete or error. A session in confirming drops back to collecting when the
// user's answer changes a field instead of confirming the summary. Defaulted
// fields (quantity, reference month and year) must be explicitly confirmed
// before processing starts; that invariant is enforced by [Session.RequestFields].
package conversation

import (
	"fmt"
	"sync"
	"time"

	"github.com/obradorhq/obradoria/internal/budget"
	"github.com/obradorhq/obradoria/internal/extract"
	"github.com/obradorhq/obradoria/pkg/provider/llm"
)

// Phase is the session's position in the request lifecycle.
type Phase string

const (
	// PhaseCollecting gathers required fields one question at a time.
	PhaseCollecting Phase = "collecting"

	// PhaseConfirming waits for the user to approve defaults or the final
	// summary.
	PhaseConfirming Phase = "confirming"

	// PhaseProcessing means the pipeline is running for this session.
	PhaseProcessing Phase = "processing"

	PhaseComplete Phase = "complete"
	PhaseError    Phase = "error"
)

// Source records where a field's value came from.
type Source string

const (
	// SourceUser marks values stated by the user, directly or as an answer.
	SourceUser Source = "user"

	// SourceDefault marks values the system filled in (quantity 1, current
	// month and year). These require confirmation.
	SourceDefault Source = "default"

	// SourceInferred marks values the extraction model supplied.
	SourceInferred Source = "inferred"
)

// FieldInfo is one tracked request field.
type FieldInfo struct {
	Value     any    `json:"valor"`
	Source    Source `json:"origem"`
	Confirmed bool   `json:"confirmado"`
}

// requiredFields must be answered by the user before anything runs, in the
// order the assistant asks about them. defaultedFields receive automatic
// values that only need confirmation.
var (
	requiredFields  = []string{extract.FieldUF, extract.FieldType, extract.FieldStandard}
	defaultedFields = []string{extract.FieldQuantity, extract.FieldMonth, extract.FieldYear}
)

// Session is the mutable state of one budget conversation. [Store] hands out
// shared pointers; a caller must hold the session lock for the duration of a
// turn, so concurrent turns on the same session serialize.
type Session struct {
	mu sync.Mutex

	ID          string
	Phase       Phase
	Fields      map[string]*FieldInfo
	ProjectName string

	// History is the agent-mode conversation transcript.
	History []llm.Message

	CreatedAt  time.Time
	LastActive time.Time
}

// Lock acquires the per-session lock for one turn.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the per-session lock.
func (s *Session) Unlock() { s.mu.Unlock() }

func newSession(id string, now time.Time) *Session {
	return &Session{
		ID:         id,
		Phase:      PhaseCollecting,
		Fields:     make(map[string]*FieldInfo),
		CreatedAt:  now,
		LastActive: now,
	}
}

// Apply merges an extraction result into the session. A user statement always
// wins: it replaces earlier values of any source, including the user's own, so
// "na verdade será no RJ" corrects a field already stated. An inference never
// displaces a user-stated value. Replacing a field while the summary awaits
// confirmation reopens collection.
func (s *Session) Apply(r extract.Result) {
	for name, v := range r.Values {
		source := SourceUser
		if v.Inferred {
			source = SourceInferred
		}
		existing, ok := s.Fields[name]
		if ok && existing.Source == SourceUser && source != SourceUser {
			continue
		}
		if ok && existing.Source == SourceInferred && source == SourceInferred {
			continue
		}
		changed := !ok || existing.Value != v.Value
		s.Fields[name] = &FieldInfo{
			Value:     v.Value,
			Source:    source,
			Confirmed: source == SourceUser,
		}
		if changed && s.Phase == PhaseConfirming {
			s.Phase = PhaseCollecting
		}
	}
}

// ApplyDefaults fills the defaulted fields that are still absent: one unit,
// priced at the current month and year.
func (s *Session) ApplyDefaults(now time.Time) {
	defaults := map[string]any{
		extract.FieldQuantity: 1,
		extract.FieldMonth:    int(now.Month()),
		extract.FieldYear:     now.Year(),
	}
	for _, name := range defaultedFields {
		if _, ok := s.Fields[name]; ok {
			continue
		}
		s.Fields[name] = &FieldInfo{Value: defaults[name], Source: SourceDefault}
	}
}

// SetField records a user-stated value, marking it confirmed.
func (s *Session) SetField(name string, value any) {
	s.Fields[name] = &FieldInfo{Value: value, Source: SourceUser, Confirmed: true}
}

// MissingRequired lists the required fields still unanswered, in question
// order.
func (s *Session) MissingRequired() []string {
	var missing []string
	for _, name := range requiredFields {
		if _, ok := s.Fields[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// NextQuestion returns the single question to ask now: the first missing
// required field. The assistant asks one question per turn.
func (s *Session) NextQuestion() (Question, bool) {
	missing := s.MissingRequired()
	if len(missing) == 0 {
		return Question{}, false
	}
	return QuestionFor(missing[0]), true
}

// UnconfirmedFields lists fields whose value was defaulted or inferred and not
// yet confirmed by the user, in a fixed order.
func (s *Session) UnconfirmedFields() []string {
	var out []string
	for _, name := range append(append([]string{}, requiredFields...), defaultedFields...) {
		f, ok := s.Fields[name]
		if ok && !f.Confirmed {
			out = append(out, name)
		}
	}
	return out
}

// ConfirmAll marks every present field as confirmed. Called when the user
// approves the defaults round or the final summary.
func (s *Session) ConfirmAll() {
	for _, f := range s.Fields {
		f.Confirmed = true
	}
}

// Answer validates and records the user's answer to a field question. The
// answer is matched against the question's options or numeric range; a
// rejected answer leaves the session unchanged so the question can be asked
// again.
func (s *Session) Answer(field, answer string) error {
	q := QuestionFor(field)
	if q.Field == "" {
		return fmt.Errorf("conversation: unknown field %q", field)
	}
	value, err := q.Parse(answer)
	if err != nil {
		return err
	}
	s.SetField(field, value)
	if s.Phase == PhaseConfirming {
		// Changing a field reopens collection; the summary must be rebuilt.
		s.Phase = PhaseCollecting
	}
	return nil
}

// Ready reports whether every required field is present and no defaulted or
// inferred value awaits confirmation.
func (s *Session) Ready() bool {
	return len(s.MissingRequired()) == 0 && len(s.UnconfirmedFields()) == 0
}

// RequestFields converts the session state into the pipeline's input. It
// fails when a required field is missing or an unconfirmed value remains, so
// no run can start on unreviewed defaults.
func (s *Session) RequestFields() (budget.RequestFields, error) {
	if missing := s.MissingRequired(); len(missing) > 0 {
		return budget.RequestFields{}, fmt.Errorf("conversation: required fields missing: %v", missing)
	}
	if pending := s.UnconfirmedFields(); len(pending) > 0 {
		return budget.RequestFields{}, fmt.Errorf("conversation: fields awaiting confirmation: %v", pending)
	}

	fields := budget.RequestFields{}
	var err error
	if fields.UF, err = stringField(s, extract.FieldUF); err != nil {
		return budget.RequestFields{}, err
	}
	if fields.BuildType, err = stringField(s, extract.FieldType); err != nil {
		return budget.RequestFields{}, err
	}
	if fields.Standard, err = stringField(s, extract.FieldStandard); err != nil {
		return budget.RequestFields{}, err
	}
	if fields.Quantity, err = intField(s, extract.FieldQuantity); err != nil {
		return budget.RequestFields{}, err
	}
	if fields.Month, err = intField(s, extract.FieldMonth); err != nil {
		return budget.RequestFields{}, err
	}
	if fields.Year, err = intField(s, extract.FieldYear); err != nil {
		return budget.RequestFields{}, err
	}
	return fields, nil
}

// Summary renders the confirmed field set in the form shown to the user for
// the final confirmation.
func (s *Session) Summary() string {
	get := func(name string) any {
		if f, ok := s.Fields[name]; ok {
			return f.Value
		}
		return "?"
	}
	return fmt.Sprintf(
		"Quantidade: %v\nTipo: %v\nPadrão: %v\nEstado: %v\nReferência: %02v/%v",
		get(extract.FieldQuantity), get(extract.FieldType), get(extract.FieldStandard),
		get(extract.FieldUF), get(extract.FieldMonth), get(extract.FieldYear),
	)
}

func stringField(s *Session, name string) (string, error) {
	v, ok := s.Fields[name].Value.(string)
	if !ok {
		return "", fmt.Errorf("conversation: field %s holds %T, want string", name, s.Fields[name].Value)
	}
	return v, nil
}

func intField(s *Session, name string) (int, error) {
	v, ok := s.Fields[name].Value.(int)
	if !ok {
		return 0, fmt.Errorf("conversation: field %s holds %T, want int", name, s.Fields[name].Value)
	}
	return v, nil
}
