package train

import (
	"context"

	"github.com/YuminosukeSato/detrain/collective"
	"github.com/YuminosukeSato/detrain/data"
	"github.com/YuminosukeSato/detrain/detector"
	"github.com/YuminosukeSato/detrain/pkg/errors"
	"github.com/YuminosukeSato/detrain/runner"
)

// Processor performs one step of the reference detector. In training mode
// it runs forward, loss, backward at the optimizer's loss scale, a mean
// all-reduce of the gradient across workers and the optimizer update. In
// validation mode it only computes the losses.
type Processor struct {
	Model *detector.Model
}

var _ runner.BatchProcessor = (*Processor)(nil)

func NewProcessor(m *detector.Model) *Processor {
	return &Processor{Model: m}
}

func (p *Processor) Process(ctx context.Context, r *runner.Runner, b *data.Batch, train bool) (*runner.Outputs, error) {
	out, err := p.Model.Forward(b.Inputs)
	if err != nil {
		return nil, err
	}
	losses, err := p.Model.Losses(out, b)
	if err != nil {
		return nil, err
	}
	total, vars := ParseLosses(losses, r.LossWeights())
	outputs := &runner.Outputs{Loss: total, LogVars: vars, NumSamples: b.Size()}
	if !train {
		return outputs, nil
	}

	opt := r.Optimizer()
	if opt == nil {
		return nil, errors.NewValueError("Process", "training requires an optimizer")
	}
	grad, err := p.Model.Backward(out, b, r.LossWeights(), opt.LossScale())
	if err != nil {
		return nil, err
	}
	if comm := r.Comm(); comm != nil && comm.Size() > 1 {
		if grad, err = comm.AllReduce(ctx, collective.Mean, grad); err != nil {
			return nil, errors.Wrap(err, "gradient all-reduce")
		}
	}
	applied, err := opt.Apply(p.Model.Params(), grad)
	if err != nil {
		return nil, err
	}
	outputs.Applied = applied
	return outputs, nil
}
