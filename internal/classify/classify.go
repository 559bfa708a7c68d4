// Package classify maps opaque provider errors onto the closed error taxonomy
// the scheduler's retry and rotation policy is written against.
//
// The generation service exposes no structured error codes, so classification
// is substring matching over the error text. Keeping the matcher behind the
// Classifier interface lets the taxonomy evolve (or be replaced by a
// structured-code matcher) without touching policy code.
package classify

import "strings"

// Kind is the closed error taxonomy.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidModel
	KindNetwork
	KindRateLimit
	KindQuotaExceeded
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindInvalidModel:
		return "invalid_model"
	case KindNetwork:
		return "network"
	case KindRateLimit:
		return "rate_limit"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// Retryable reports whether the kind is recoverable on the same credential
// without rotation (plain backoff-and-retry).
func (k Kind) Retryable() bool {
	return k == KindNetwork || k == KindUnknown
}

// Classifier maps an opaque error to a Kind.
type Classifier interface {
	Classify(err error) Kind
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(err error) Kind

func (f ClassifierFunc) Classify(err error) Kind { return f(err) }

// rule is one ordered substring match. First hit wins, so more specific
// patterns must come before generic ones (e.g. "quota" before "429").
type rule struct {
	kind     Kind
	patterns []string
}

var defaultRules = []rule{
	{KindInvalidModel, []string{
		"model not found",
		"unknown model",
		"invalid model",
		"model_not_found",
		"does not exist or you do not have access",
		"unsupported model",
	}},
	{KindQuotaExceeded, []string{
		"quota exceeded",
		"quota_exceeded",
		"insufficient_quota",
		"exceeded your current quota",
		"daily limit",
		"resource_exhausted",
		"billing",
	}},
	{KindRateLimit, []string{
		"rate limit",
		"rate_limit",
		"too many requests",
		"429",
		"requests per minute",
		"tokens per minute",
		"try again later",
		"overloaded",
	}},
	{KindAuth, []string{
		"invalid api key",
		"invalid_api_key",
		"incorrect api key",
		"api key not valid",
		"unauthorized",
		"authentication",
		"permission denied",
		"401",
		"403",
	}},
	{KindNetwork, []string{
		"network error",
		"connection refused",
		"connection reset",
		"no such host",
		"timeout",
		"timed out",
		"deadline exceeded",
		"eof",
		"broken pipe",
		"tls handshake",
		"502",
		"503",
		"504",
	}},
}

// Default returns the stock substring classifier.
func Default() Classifier { return defaultClassifier{} }

type defaultClassifier struct{}

func (defaultClassifier) Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	msg := strings.ToLower(err.Error())
	for _, r := range defaultRules {
		for _, p := range r.patterns {
			if strings.Contains(msg, p) {
				return r.kind
			}
		}
	}
	return KindUnknown
}
