package proactive

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jholhewres/chime/pkg/chime/host"
)

const stateFileName = "proactive_chat_states.json"

// TempBoost is the short-lived reply-probability boost active right after a
// proactive send, modeling "waiting for someone to respond".
type TempBoost struct {
	BoostValue           float64 `json:"boost_value"`
	BoostUntil           float64 `json:"boost_until"` // unix seconds
	TriggeredByProactive bool    `json:"triggered_by_proactive"`
}

// ActiveAt reports whether the boost applies at the given unix time.
func (b TempBoost) ActiveAt(now float64) bool {
	return b.BoostValue > 0 && now < b.BoostUntil
}

// State is the per-chat proactive state machine. All timestamps are unix
// seconds. Fields tagged json:"-" are transient and rebuilt from traffic.
type State struct {
	Platform   string `json:"platform"`
	PlatformID string `json:"platform_id"`
	Kind       string `json:"kind"`
	ChatID     string `json:"chat_id"`

	LastBotReplyTime    float64 `json:"last_bot_reply_time"`
	LastUserMessageTime float64 `json:"last_user_message_time"`

	ConsecutiveFailures      int     `json:"consecutive_failures"`
	TotalProactiveFailures   int     `json:"total_proactive_failures"`
	IsInCooldown             bool    `json:"is_in_cooldown"`
	CooldownUntil            float64 `json:"cooldown_until"`
	ProactiveAttemptsCount   int     `json:"proactive_attempts_count"`
	ProactiveActive          bool    `json:"proactive_active"`
	ProactiveOutcomeRecorded bool    `json:"proactive_outcome_recorded"`

	InteractionScore       float64 `json:"interaction_score"`
	ConsecutiveSuccesses   int     `json:"consecutive_successes"`
	SuccessfulInteractions int     `json:"successful_interactions"`
	FailedInteractions     int     `json:"failed_interactions"`
	LastSuccessTime        float64 `json:"last_success_time"`
	LastFailureTime        float64 `json:"last_failure_time"`
	LastScoreDecayTime     float64 `json:"last_score_decay_time"`
	LastComplaintDecayTime float64 `json:"last_complaint_decay_time"`

	LastAttentionUserID   string `json:"last_attention_user_id,omitempty"`
	LastAttentionUserName string `json:"last_attention_user_name,omitempty"`
	LastProactiveContent  string `json:"last_proactive_content,omitempty"`

	// CurrentEffectiveMaxFailures is the randomized failure threshold for the
	// current retry round; 0 means not yet sampled.
	CurrentEffectiveMaxFailures int `json:"current_effective_max_failures"`

	Boost TempBoost `json:"boost"`

	// repliedUsers collects distinct user ids seen while an attempt is
	// active, for the multi-user success bonus.
	repliedUsers map[string]struct{}

	// attemptStart is the send time of the current attempt.
	attemptStart float64

	// userMsgTimes is the recent user-message timestamp window for the
	// activity precondition.
	userMsgTimes []float64
}

// ChatKey rebuilds the host key for this state.
func (s *State) ChatKey() host.ChatKey {
	return host.ChatKey{
		Platform:   s.Platform,
		PlatformID: s.PlatformID,
		Kind:       host.ChatKind(s.Kind),
		ChatID:     s.ChatID,
	}
}

// enterCooldownLocked applies the cooldown-entry reset semantics: the retry
// round is cleared but accumulated totals, the interaction score, and the
// success counters survive.
func (s *State) enterCooldownLocked(until float64) {
	s.IsInCooldown = true
	s.CooldownUntil = until
	s.ConsecutiveFailures = 0
	s.CurrentEffectiveMaxFailures = 0
	s.ProactiveAttemptsCount = 0
	s.LastProactiveContent = ""
	s.ProactiveActive = false
	s.Boost = TempBoost{}
}

// StateStore owns all per-chat proactive states and their persistence.
type StateStore struct {
	cfg     Config
	dataDir string
	logger  *slog.Logger

	mu     sync.Mutex
	states map[string]*State // ChatKey.String() -> state

	now func() time.Time
}

// NewStateStore loads proactive_chat_states.json if present. Attempt-scoped
// fields (proactive_active, proactive_outcome_recorded, cooldown, attempt
// count, boost) are reset on load so a restart never replays a stale outcome.
func NewStateStore(cfg Config, dataDir string, logger *slog.Logger) *StateStore {
	if logger == nil {
		logger = slog.Default()
	}
	st := &StateStore{
		cfg:     cfg,
		dataDir: dataDir,
		logger:  logger.With("component", "proactive_state"),
		states:  make(map[string]*State),
		now:     time.Now,
	}
	if err := st.load(); err != nil {
		st.logger.Warn("proactive state unreadable, starting fresh", "error", err)
	}
	return st
}

func (st *StateStore) unix() float64 { return float64(st.now().UnixNano()) / 1e9 }

func (st *StateStore) path() string { return filepath.Join(st.dataDir, stateFileName) }

func (st *StateStore) load() error {
	data, err := os.ReadFile(st.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var states map[string]*State
	if err := json.Unmarshal(data, &states); err != nil {
		return fmt.Errorf("parse proactive states: %w", err)
	}
	for key, s := range states {
		if s == nil {
			continue
		}
		s.ProactiveActive = false
		s.ProactiveOutcomeRecorded = false
		s.IsInCooldown = false
		s.CooldownUntil = 0
		s.ProactiveAttemptsCount = 0
		s.Boost = TempBoost{}
		s.InteractionScore = clampf(s.InteractionScore, st.cfg.Adaptive.ScoreMin, st.cfg.Adaptive.ScoreMax)
		if s.TotalProactiveFailures > st.cfg.Complaint.MaxAccumulation {
			s.TotalProactiveFailures = st.cfg.Complaint.MaxAccumulation
		}
		if s.TotalProactiveFailures < 0 {
			s.TotalProactiveFailures = 0
		}
		st.states[key] = s
	}
	return nil
}

// Save serializes all states to disk.
func (st *StateStore) Save() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.saveLocked()
}

func (st *StateStore) saveLocked() error {
	if err := os.MkdirAll(st.dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	data, err := json.MarshalIndent(st.states, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal proactive states: %w", err)
	}
	if err := os.WriteFile(st.path(), data, 0o644); err != nil {
		return fmt.Errorf("write proactive states: %w", err)
	}
	return nil
}

// touchLocked returns the state for a chat, creating it on first sight. The
// platform id is captured from the first organic message and refreshed when
// the adapter changes, so proactive sends route through the right adapter.
func (st *StateStore) touchLocked(chat host.ChatKey) *State {
	key := chat.String()
	s, ok := st.states[key]
	if !ok {
		s = &State{
			Platform:         chat.Platform,
			PlatformID:       chat.PlatformID,
			Kind:             string(chat.Kind),
			ChatID:           chat.ChatID,
			InteractionScore: st.cfg.Adaptive.InitialScore,
			repliedUsers:     make(map[string]struct{}),
		}
		st.states[key] = s
	}
	if chat.PlatformID != "" && s.PlatformID != chat.PlatformID {
		s.PlatformID = chat.PlatformID
	}
	if s.repliedUsers == nil {
		s.repliedUsers = make(map[string]struct{})
	}
	return s
}

// Get returns a copy of a chat's state.
func (st *StateStore) Get(chat host.ChatKey) (State, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.states[chat.String()]
	if !ok {
		return State{}, false
	}
	return *s, true
}

// Known returns the keys of all tracked chats.
func (st *StateStore) Known() []host.ChatKey {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]host.ChatKey, 0, len(st.states))
	for _, s := range st.states {
		out = append(out, s.ChatKey())
	}
	return out
}

// update runs fn against the (created-if-missing) state under the lock.
func (st *StateStore) update(chat host.ChatKey, fn func(*State)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	fn(st.touchLocked(chat))
}

// Reset drops one chat's state, or everything when the zero key is given.
func (st *StateStore) Reset(chat host.ChatKey) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if chat == (host.ChatKey{}) {
		st.states = make(map[string]*State)
		return
	}
	delete(st.states, chat.String())
}
