package advice

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/getsentry/apmcore/internal/config"
)

type (
	// Artifact is a loadable unit of generated hook code.
	Artifact struct {
		Name    string
		Content []byte
	}

	// Generated pairs an advice with the artifact implementing it.
	Generated struct {
		Advice   *Advice
		Artifact Artifact
	}

	// Generator compiles pointcuts into advice. It must return one entry
	// per pointcut, in pointcut order, and be safe to call repeatedly with
	// the same snapshot.
	Generator interface {
		Generate(ctx context.Context, pointcuts []config.PointcutConfig) ([]Generated, error)
	}

	// DescriptorGenerator emits a JSON hook descriptor per pointcut for an
	// out-of-process weaver to consume.
	DescriptorGenerator struct {
		// Package prefixes the generated artifact names.
		Package string
	}

	hookDescriptor struct {
		Name     string                `json:"name"`
		Version  string                `json:"version"`
		Pointcut config.PointcutConfig `json:"pointcut"`
	}
)

func (g DescriptorGenerator) Generate(
	_ context.Context,
	pointcuts []config.PointcutConfig,
) ([]Generated, error) {
	pkg := g.Package
	if pkg == "" {
		pkg = "apmcore/generated"
	}
	generated := make([]Generated, 0, len(pointcuts))
	for i, p := range pointcuts {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		// the version keeps names of changed pointcuts from colliding with
		// artifacts already installed
		name := fmt.Sprintf("%s/Pointcut%d_%s", pkg, i, p.Version()[:8])
		b, err := json.Marshal(hookDescriptor{Name: name, Version: p.Version(), Pointcut: p})
		if err != nil {
			return nil, err
		}
		generated = append(generated, Generated{
			Advice:   NewReweavableAdvice(name, p),
			Artifact: Artifact{Name: name, Content: b},
		})
	}
	return generated, nil
}
