package cleanup

import (
	"context"

	"reapply/internal/series"
)

// Func adapts an in-process transform to the Cleaner interface.
type Func func(ctx context.Context, in *series.Series, req Request) (*series.Series, error)

func (Func) Name() string { return "func" }

func (f Func) Clean(ctx context.Context, req Request) error {
	in, err := series.Read(req.Input)
	if err != nil {
		return err
	}
	out, err := f(ctx, in, req)
	if err != nil {
		return err
	}
	return series.Write(req.Output, out)
}

// Identity is a Cleaner that removes nothing.
var Identity = Func(func(_ context.Context, in *series.Series, _ Request) (*series.Series, error) {
	return in, nil
})
