// Package ptrx builds and reads optional values. Function and cron job
// descriptors use pointers to tell "not set, use the worker default"
// apart from an explicit zero.
package ptrx

import "time"

func Bool(v bool) *bool { return &v }

func Int(v int) *int { return &v }

func Duration(v time.Duration) *time.Duration { return &v }

// ValueOr returns *p, or fallback when p is nil.
func ValueOr[T any](p *T, fallback T) T {
	if p == nil {
		return fallback
	}
	return *p
}
