package advice

import (
	"github.com/getsentry/apmcore/internal/config"
)

// Advice is one compiled instrumentation rule: the pointcut saying which
// call sites it applies to and the hook behavior generated for it. Advice
// is immutable once constructed.
type Advice struct {
	name       string
	pointcut   config.PointcutConfig
	version    string
	reweavable bool
}

// NewPluginAdvice returns advice contributed by a statically loaded
// extension. It is never regenerated.
func NewPluginAdvice(name string, pointcut config.PointcutConfig) *Advice {
	return &Advice{
		name:     name,
		pointcut: pointcut,
		version:  pointcut.Version(),
	}
}

// NewReweavableAdvice returns advice a Generator built from a configured
// pointcut.
func NewReweavableAdvice(name string, pointcut config.PointcutConfig) *Advice {
	return &Advice{
		name:       name,
		pointcut:   pointcut,
		version:    pointcut.Version(),
		reweavable: true,
	}
}

// Name identifies the generated hook of the advice.
func (a *Advice) Name() string {
	return a.name
}

// Pointcut returns a copy of the match criteria.
func (a *Advice) Pointcut() config.PointcutConfig {
	p := a.pointcut
	p.MethodParameterTypes = append([]string(nil), a.pointcut.MethodParameterTypes...)
	return p
}

// Version is the version token of the pointcut the advice was built from.
func (a *Advice) Version() string {
	return a.version
}

// Reweavable reports whether the advice came from configuration and is
// replaced on refresh.
func (a *Advice) Reweavable() bool {
	return a.reweavable
}

// Matches reports whether the advice applies to the given call site. A
// single ".." parameter type matches any parameter list.
func (a *Advice) Matches(className, methodName string, parameterTypes []string) bool {
	if a.pointcut.ClassName != className || a.pointcut.MethodName != methodName {
		return false
	}
	expected := a.pointcut.MethodParameterTypes
	if len(expected) == 1 && expected[0] == ".." {
		return true
	}
	if len(expected) != len(parameterTypes) {
		return false
	}
	for i, t := range expected {
		if t != parameterTypes[i] {
			return false
		}
	}
	return true
}

// TimerName is the name of the timer the generated hook starts.
func (a *Advice) TimerName() string {
	return a.pointcut.TimerName
}
