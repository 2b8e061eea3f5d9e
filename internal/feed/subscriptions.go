package feed

import (
	"sort"
)

// Kind identifies a subscription stream on the venue feed.
type Kind int

const (
	KindNewToken Kind = iota
	KindTokenTrade
	KindAccountTrade
)

func (k Kind) String() string {
	switch k {
	case KindNewToken:
		return "new_token"
	case KindTokenTrade:
		return "token_trade"
	case KindAccountTrade:
		return "account_trade"
	}
	return "unknown"
}

func (k Kind) method(subscribe bool) string {
	prefix := "unsubscribe"
	if subscribe {
		prefix = "subscribe"
	}
	switch k {
	case KindNewToken:
		return prefix + "NewToken"
	case KindTokenTrade:
		return prefix + "TokenTrade"
	case KindAccountTrade:
		return prefix + "AccountTrade"
	}
	return ""
}

// ControlMessage is a subscription control frame.
type ControlMessage struct {
	Method string   `json:"method"`
	Keys   []string `json:"keys,omitempty"`
}

// NewControlMessage builds the (un)subscribe frame for kind.
func NewControlMessage(kind Kind, subscribe bool, keys ...string) ControlMessage {
	msg := ControlMessage{Method: kind.method(subscribe)}
	if kind != KindNewToken && len(keys) > 0 {
		msg.Keys = append([]string(nil), keys...)
	}
	return msg
}

// SubscriptionSet is the subscription state replayed after a reconnect.
// Not safe for concurrent use; Manager guards it.
type SubscriptionSet struct {
	newTokens bool
	tokens    map[string]struct{}
	accounts  map[string]struct{}
}

// NewSubscriptionSet returns an empty set.
func NewSubscriptionSet() *SubscriptionSet {
	return &SubscriptionSet{
		tokens:   make(map[string]struct{}),
		accounts: make(map[string]struct{}),
	}
}

func (s *SubscriptionSet) bucket(kind Kind) map[string]struct{} {
	switch kind {
	case KindTokenTrade:
		return s.tokens
	case KindAccountTrade:
		return s.accounts
	}
	return nil
}

// Add records keys under kind. Keys are ignored for KindNewToken.
func (s *SubscriptionSet) Add(kind Kind, keys ...string) {
	if kind == KindNewToken {
		s.newTokens = true
		return
	}
	b := s.bucket(kind)
	for _, k := range keys {
		if k != "" {
			b[k] = struct{}{}
		}
	}
}

// Remove drops keys under kind.
func (s *SubscriptionSet) Remove(kind Kind, keys ...string) {
	if kind == KindNewToken {
		s.newTokens = false
		return
	}
	b := s.bucket(kind)
	for _, k := range keys {
		delete(b, k)
	}
}

// Missing returns the keys under kind that are not in the set; nil means
// there is nothing to subscribe. For KindNewToken a non-nil empty slice
// means the flag is unset.
func (s *SubscriptionSet) Missing(kind Kind, keys ...string) []string {
	if kind == KindNewToken {
		if s.newTokens {
			return nil
		}
		return []string{}
	}
	b := s.bucket(kind)
	var missing []string
	for _, k := range keys {
		if _, ok := b[k]; !ok && k != "" {
			missing = append(missing, k)
		}
	}
	return missing
}

// Present mirrors Missing for unsubscribe.
func (s *SubscriptionSet) Present(kind Kind, keys ...string) []string {
	if kind == KindNewToken {
		if !s.newTokens {
			return nil
		}
		return []string{}
	}
	b := s.bucket(kind)
	var present []string
	for _, k := range keys {
		if _, ok := b[k]; ok {
			present = append(present, k)
		}
	}
	return present
}

// Has reports whether key (ignored for KindNewToken) is subscribed.
func (s *SubscriptionSet) Has(kind Kind, key string) bool {
	if kind == KindNewToken {
		return s.newTokens
	}
	_, ok := s.bucket(kind)[key]
	return ok
}

// Messages returns the control frames that recreate the set, in a stable
// order: new tokens first, then token trades, then account trades.
func (s *SubscriptionSet) Messages() []ControlMessage {
	var msgs []ControlMessage
	if s.newTokens {
		msgs = append(msgs, NewControlMessage(KindNewToken, true))
	}
	if keys := sortedKeys(s.tokens); len(keys) > 0 {
		msgs = append(msgs, NewControlMessage(KindTokenTrade, true, keys...))
	}
	if keys := sortedKeys(s.accounts); len(keys) > 0 {
		msgs = append(msgs, NewControlMessage(KindAccountTrade, true, keys...))
	}
	return msgs
}

// Snapshot is a read-only copy of the set.
type Snapshot struct {
	NewTokens bool     `json:"new_tokens"`
	Tokens    []string `json:"tokens"`
	Accounts  []string `json:"accounts"`
}

// Snapshot copies the set.
func (s *SubscriptionSet) Snapshot() Snapshot {
	return Snapshot{
		NewTokens: s.newTokens,
		Tokens:    sortedKeys(s.tokens),
		Accounts:  sortedKeys(s.accounts),
	}
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
