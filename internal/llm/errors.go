package llm

import (
	"errors"
	"strings"
)

// ErrProviderUnavailable marks connection-class provider failures: the
// request never produced a usable answer because the provider could not be
// reached or was overloaded. Jobs hitting this fail as a whole and get
// retried by the queue, instead of burning through per-record fallbacks.
var ErrProviderUnavailable = errors.New("llm: provider unavailable")

// unavailablePatterns are matched case-insensitively against error text.
// Langchaingo surfaces provider errors as opaque strings, so substring
// classification is the best signal available.
var unavailablePatterns = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"network is unreachable",
	"context deadline exceeded",
	"timeout",
	"unexpected eof",
	"service unavailable",
	"502",
	"503",
	"504",
	"too many requests",
	"429",
	"overloaded",
}

func isUnavailable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range unavailablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// wrapUnavailable tags connection-class errors with ErrProviderUnavailable;
// everything else passes through unchanged.
func wrapUnavailable(err error) error {
	if err == nil {
		return nil
	}
	if isUnavailable(err) {
		return errors.Join(ErrProviderUnavailable, err)
	}
	return err
}
