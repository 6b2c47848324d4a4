// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

// Package errors is the single error vocabulary exposed across the plugin
// runtime boundary. Sandbox-internal failures (traps, limit violations,
// syscall denials) are wrapped here and never cross as raw engine errors.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodePluginCompileFailure     Code = "plugin.load.compile.failure"
	CodePluginInstantiateFailure Code = "plugin.load.instantiate.failure"
	CodePluginConfigCallFailure  Code = "plugin.load.config_call.failure"
	CodePluginHookCallFailure    Code = "plugin.runtime.hook_call.failure"
	CodePluginGuestFailure       Code = "plugin.runtime.guest.failure"
	CodePluginAbortBudget        Code = "plugin.runtime.budget.exceeded"
	CodePluginCapabilityDenied   Code = "plugin.runtime.capability.denied"
	CodePluginConfigInvalid      Code = "plugin.config.invalid"
	CodePluginDuplicateName      Code = "plugin.config.duplicate_name"
	CodePluginNotFound           Code = "plugin.registry.not_found"
	CodePluginStateInvalid       Code = "plugin.lifecycle.transition.invalid"
	CodePluginDiscoveryFailure   Code = "plugin.discovery.failure"

	CodeConfigLoadReadFailure      Code = "config.load.read.failure"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"

	CodeSecurityCapabilityInvalid Code = "security.capability.invalid"

	CodeInternalFailure Code = "internal.failure"
)

// Kind is the coarse error classification consumed by the host application.
// Every plugin.* code maps into exactly one Kind.
type Kind string

const (
	// KindLoad covers failures before a plugin is active: compile,
	// instantiation, and the config entry-point call.
	KindLoad Kind = "load"
	// KindRuntime covers hook dispatch failures: guest-reported errors,
	// traps, resource-limit aborts, capability denials.
	KindRuntime Kind = "runtime"
	// KindInvalidConfig covers semantically invalid configurations:
	// empty name, duplicate name, hook/target mismatch.
	KindInvalidConfig Kind = "invalid_config"
)

// loadPhaseKey marks errors raised during the load phase. The same
// underlying failure (trap, budget abort, denial) classifies as Load before
// a plugin is active and Runtime afterwards.
const loadPhaseKey = "load_phase"

// KindOf classifies err into one of the three plugin error kinds.
// Non-plugin codes classify as KindRuntime so that callers always receive
// a total classification.
func KindOf(err error) Kind {
	code := string(CodeOf(err))
	switch {
	case strings.HasPrefix(code, "plugin.load."):
		return KindLoad
	case strings.HasPrefix(code, "plugin.config."):
		return KindInvalidConfig
	case strings.HasPrefix(code, "plugin.runtime."):
		if fields := FieldsOf(err); fields != nil {
			if phase, ok := fields[loadPhaseKey].(bool); ok && phase {
				return KindLoad
			}
		}
		return KindRuntime
	default:
		return KindRuntime
	}
}

// AsLoadPhase re-marks err as having occurred during the load phase, so that
// traps and denials raised while calling the config entry point classify as
// KindLoad rather than KindRuntime.
func AsLoadPhase(err error) error {
	return With(err, Field(loadPhaseKey, true))
}

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldPlugin(value string) Attr {
	return Field("plugin", value)
}

func FieldHook(value string) Attr {
	return Field("hook", value)
}

func FieldTarget(value string) Attr {
	return Field("target", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).Wrapf(err, format, args...)
}

// With adds structured fields to an existing error chain, preserving its code.
func With(err error, fields ...Attr) error {
	if err == nil {
		return nil
	}

	code := CodeOf(err)
	if code == "" {
		code = CodeInternalFailure
	}

	return oops.Code(code).With(flatten(fields)...).Wrap(err)
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsCapabilityDenied(err error) bool {
	return HasCode(err, CodePluginCapabilityDenied)
}

func IsBudgetExceeded(err error) bool {
	return reason(CodeOf(err)) == "exceeded"
}

func Join(errs ...error) error {
	return oops.Code(CodeInternalFailure).Wrap(stderrors.Join(errs...))
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
