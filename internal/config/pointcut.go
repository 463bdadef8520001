package config

import (
	"crypto/md5"
	"fmt"

	"github.com/goccy/go-json"
)

// CaptureKind says what a pointcut records at the call sites it matches.
type CaptureKind string

const (
	CaptureKindTimer       CaptureKind = "timer"
	CaptureKindTraceEntry  CaptureKind = "trace-entry"
	CaptureKindTransaction CaptureKind = "transaction"
)

// PointcutConfig is a user supplied description of where and how to
// instrument.
type PointcutConfig struct {
	ClassName               string      `json:"className" yaml:"class_name"`
	MethodName              string      `json:"methodName" yaml:"method_name"`
	MethodParameterTypes    []string    `json:"methodParameterTypes" yaml:"method_parameter_types"`
	MethodReturnType        string      `json:"methodReturnType,omitempty" yaml:"method_return_type"`
	CaptureKind             CaptureKind `json:"captureKind" yaml:"capture_kind"`
	TimerName               string      `json:"timerName,omitempty" yaml:"timer_name"`
	TraceEntryTemplate      string      `json:"traceEntryTemplate,omitempty" yaml:"trace_entry_template"`
	TransactionType         string      `json:"transactionType,omitempty" yaml:"transaction_type"`
	TransactionNameTemplate string      `json:"transactionNameTemplate,omitempty" yaml:"transaction_name_template"`
}

// Version is a stable token for the content of the pointcut: two configs
// with the same content always have the same version, whichever source
// they were read from.
func (p PointcutConfig) Version() string {
	// YAML leaves a missing list nil while JSON may carry []
	if p.MethodParameterTypes == nil {
		p.MethodParameterTypes = []string{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		// a struct of strings always marshals
		panic(err)
	}
	return fmt.Sprintf("%x", md5.Sum(b))
}

// Validate checks the fields every capture kind needs.
func (p PointcutConfig) Validate() error {
	if p.ClassName == "" {
		return fmt.Errorf("pointcut: class name must be set")
	}
	if p.MethodName == "" {
		return fmt.Errorf("pointcut %s: method name must be set", p.ClassName)
	}
	switch p.CaptureKind {
	case CaptureKindTimer, CaptureKindTraceEntry:
		if p.TimerName == "" {
			return fmt.Errorf("pointcut %s.%s: timer name must be set", p.ClassName, p.MethodName)
		}
	case CaptureKindTransaction:
		if p.TransactionType == "" {
			return fmt.Errorf("pointcut %s.%s: transaction type must be set", p.ClassName, p.MethodName)
		}
	default:
		return fmt.Errorf("pointcut %s.%s: invalid capture kind %q", p.ClassName, p.MethodName, p.CaptureKind)
	}
	return nil
}
