package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"reapply/internal/cleanup"
	"reapply/internal/core"
	"reapply/internal/failure"
	"reapply/internal/layout"
	"reapply/internal/motion"
	"reapply/internal/normalize"
	"reapply/internal/series"
)

func (p *Pipeline) demeanRun(ctx context.Context, run string, m layout.Modality) error {
	l := p.cfg.Layout
	in := l.RunInput(run, m)
	demeaned, mean := l.RunDemeaned(run, m), l.RunMean(run, m)
	return p.do(ctx, core.Step{
		Key:           core.ArtifactKey{Stage: "demean", RunID: run, Params: map[string]string{"modality": string(m)}},
		Prerequisites: []string{in},
		Outputs:       []string{demeaned, mean},
		Compute: func(context.Context) error {
			s, err := series.Read(in)
			if err != nil {
				return err
			}
			d, mu, err := series.Demean(s)
			if err != nil {
				return err
			}
			if err := series.Write(demeaned, d); err != nil {
				return err
			}
			return series.Write(mean, mu)
		},
	})
}

func (p *Pipeline) merge(ctx context.Context, m layout.Modality) error {
	l := p.cfg.Layout
	runs := p.cfg.Runs
	var prereqs, upstream []string
	for _, r := range runs {
		prereqs = append(prereqs, l.RunVNSeries(r, m), l.RunVNMap(r, m), l.RunMean(r, m))
		upstream = append(upstream, stepID("demean", string(m), r), stepID(normalize.Stage, string(m), r))
	}
	return p.do(ctx, core.Step{
		Key: core.ArtifactKey{Stage: "merge", Params: map[string]string{
			"modality": string(m),
			"runs":     runsParam(runs),
			"highpass": l.HighPass,
			"upstream": p.upstream(upstream...),
		}},
		Prerequisites: prereqs,
		Outputs:       []string{l.ConcatVNSeries(m), l.ConcatVNMap(m), l.ConcatMean(m), l.Manifest(m)},
		Compute: func(context.Context) error {
			products := []struct {
				product series.Product
				path    func(string, layout.Modality) string
				out     string
			}{
				{series.ProductVNSeries, l.RunVNSeries, l.ConcatVNSeries(m)},
				{series.ProductVNMap, l.RunVNMap, l.ConcatVNMap(m)},
				{series.ProductMeanMap, l.RunMean, l.ConcatMean(m)},
			}
			for _, pr := range products {
				parts := make([]*series.Series, len(runs))
				for i, r := range runs {
					s, err := series.Read(pr.path(r, m))
					if err != nil {
						return err
					}
					parts[i] = s
				}
				merged, err := series.Merge(pr.product, runs, parts)
				if err != nil {
					return err
				}
				if err := series.Write(pr.out, merged.Series); err != nil {
					return err
				}
				if merged.Manifest != nil {
					if err := series.WriteManifest(l.Manifest(m), merged.Manifest); err != nil {
						return err
					}
				}
			}
			return nil
		},
	})
}

func (p *Pipeline) restoreScale(ctx context.Context, m layout.Modality) error {
	l := p.cfg.Layout
	in, vn, out := l.ConcatVNSeries(m), l.ConcatVNMap(m), l.ConcatScaled(m)
	return p.do(ctx, core.Step{
		Key: core.ArtifactKey{Stage: "restore-scale", Params: map[string]string{
			"modality": string(m),
			"runs":     runsParam(p.cfg.Runs),
			"upstream": p.upstream(stepID("merge", string(m), "")),
		}},
		Prerequisites: []string{in, vn},
		Outputs:       []string{out},
		Compute: func(context.Context) error {
			s, err := series.Read(in)
			if err != nil {
				return err
			}
			pooled, err := series.Read(vn)
			if err != nil {
				return err
			}
			scaled, err := series.RestoreScale(s, pooled)
			if err != nil {
				return err
			}
			return series.Write(out, scaled)
		},
	})
}

func (p *Pipeline) clean(ctx context.Context, m layout.Modality, class cleanup.Classification, volume bool) error {
	l := p.cfg.Layout
	if p.cfg.MotionRegression {
		if err := p.concatMotion(ctx, m); err != nil {
			return err
		}
	}

	req := cleanup.Request{
		Input:            l.ConcatScaled(m),
		Output:           l.ConcatCleaned(m),
		ICADir:           l.ICADir(),
		Components:       class.Components,
		ComponentsPath:   class.Path,
		Aggressive:       p.cfg.Aggressive,
		MotionRegression: p.cfg.MotionRegression,
		HighPass:         l.HighPass,
		Highpassed:       true,
		SkipVolume:       !volume,
	}
	prereqs := []string{req.Input, req.ComponentsPath}
	upstream := []string{stepID("restore-scale", string(m), "")}
	if req.MotionRegression {
		req.MotionPath = l.ConcatMotion()
		prereqs = append(prereqs, req.MotionPath)
		upstream = append(upstream, stepID("motion", "", ""))
	}

	cleaner := p.opts.Cleaner
	if err := p.do(ctx, core.Step{
		Key: core.ArtifactKey{Stage: cleanup.Stage, Params: map[string]string{
			"modality":    string(m),
			"backend":     cleaner.Name(),
			"components":  componentsParam(class.Components),
			"source":      class.Source(),
			"aggressive":  boolParam(req.Aggressive),
			"motion":      boolParam(req.MotionRegression),
			"highpass":    req.HighPass,
			"skip_volume": boolParam(req.SkipVolume),
			"runs":        runsParam(p.cfg.Runs),
			"upstream":    p.upstream(upstream...),
		}},
		Prerequisites: prereqs,
		Outputs:       []string{req.Output},
		Compute: func(ctx context.Context) error {
			err := cleanup.Invoke(ctx, cleaner, req)
			if _, external := cleaner.(*cleanup.Tool); external {
				p.recordExternal(cleaner.Name(), err)
			}
			return err
		},
	}); err != nil {
		return err
	}
	return p.pooledClean(ctx, m)
}

// pooledClean restores the pooled mean onto the cleaned concatenation.
func (p *Pipeline) pooledClean(ctx context.Context, m layout.Modality) error {
	l := p.cfg.Layout
	cleaned, mean, out := l.ConcatCleaned(m), l.ConcatMean(m), l.ConcatClean(m)
	return p.do(ctx, core.Step{
		Key: core.ArtifactKey{Stage: "pooled-clean", Params: map[string]string{
			"modality": string(m),
			"runs":     runsParam(p.cfg.Runs),
			"upstream": p.upstream(stepID(cleanup.Stage, string(m), ""), stepID("merge", string(m), "")),
		}},
		Prerequisites: []string{cleaned, mean},
		Outputs:       []string{out},
		Compute: func(context.Context) error {
			s, err := series.Read(cleaned)
			if err != nil {
				return err
			}
			mu, err := series.Read(mean)
			if err != nil {
				return err
			}
			withMean, err := series.AddMap(s, mu)
			if err != nil {
				return err
			}
			return series.Write(out, withMean)
		},
	})
}

func (p *Pipeline) concatMotion(ctx context.Context, m layout.Modality) error {
	l := p.cfg.Layout
	prereqs := []string{l.Manifest(m)}
	for _, r := range p.cfg.Runs {
		prereqs = append(prereqs, l.RunMotion(r))
	}
	return p.do(ctx, core.Step{
		Key:           core.ArtifactKey{Stage: "motion", Params: map[string]string{"runs": runsParam(p.cfg.Runs)}},
		Prerequisites: prereqs,
		Outputs:       []string{l.ConcatMotion()},
		Compute: func(context.Context) error {
			manifest, err := series.ReadManifest(l.Manifest(m))
			if err != nil {
				return err
			}
			tables := make(map[string]*motion.Table, len(p.cfg.Runs))
			for _, r := range p.cfg.Runs {
				t, err := motion.Load(l.RunMotion(r))
				if err != nil {
					return err
				}
				tables[r] = t
			}
			out, err := motion.Concatenate(manifest, tables)
			if err != nil {
				return err
			}
			return motion.Write(l.ConcatMotion(), out)
		},
	})
}

func (p *Pipeline) split(ctx context.Context, m layout.Modality) error {
	l := p.cfg.Layout
	runs := p.cfg.Runs
	cleaned, manifestPath := l.ConcatCleaned(m), l.Manifest(m)
	outputs := make([]string, len(runs))
	for i, r := range runs {
		outputs[i] = l.RunSegment(r, m)
	}
	return p.do(ctx, core.Step{
		Key: core.ArtifactKey{Stage: "split", Params: map[string]string{
			"modality": string(m),
			"runs":     runsParam(runs),
			"upstream": p.upstream(stepID(cleanup.Stage, string(m), ""), stepID("merge", string(m), "")),
		}},
		Prerequisites: []string{cleaned, manifestPath},
		Outputs:       outputs,
		Compute: func(context.Context) error {
			manifest, err := series.ReadManifest(manifestPath)
			if err != nil {
				return err
			}
			if !slices.Equal(manifest.RunIDs(), runs) {
				return failure.Shapef("manifest runs %v do not match requested runs %v", manifest.RunIDs(), runs)
			}
			s, err := series.Read(cleaned)
			if err != nil {
				return err
			}
			segments, err := series.Split(s, manifest)
			if err != nil {
				return err
			}
			for i, seg := range segments {
				if err := series.Write(outputs[i], seg); err != nil {
					return err
				}
			}
			return nil
		},
	})
}

func (p *Pipeline) rescale(ctx context.Context, m layout.Modality) error {
	l := p.cfg.Layout
	pooledVN := l.ConcatVNMap(m)
	for _, run := range p.cfg.Runs {
		segment, runVN, runMean, out := l.RunSegment(run, m), l.RunVNMap(run, m), l.RunMean(run, m), l.RunClean(run, m)
		err := p.do(ctx, core.Step{
			Key: core.ArtifactKey{Stage: "rescale", RunID: run, Params: map[string]string{
				"modality": string(m),
				"runs":     runsParam(p.cfg.Runs),
				"upstream": p.upstream(
					stepID("split", string(m), ""),
					stepID("merge", string(m), ""),
					stepID("demean", string(m), run),
					stepID(normalize.Stage, string(m), run),
				),
			}},
			Prerequisites: []string{segment, runVN, pooledVN, runMean},
			Outputs:       []string{out},
			Compute: func(context.Context) error {
				var in [4]*series.Series
				for i, path := range []string{segment, runVN, pooledVN, runMean} {
					s, err := series.Read(path)
					if err != nil {
						return err
					}
					in[i] = s
				}
				restored, err := series.Rescale(in[0], in[1], in[2], in[3])
				if err != nil {
					return err
				}
				return series.Write(out, restored)
			},
		})
		if err != nil {
			return fmt.Errorf("run %s: %w", run, err)
		}
	}
	return nil
}

// writeProvenance records which runs, ranges and classification produced the
// cleaned outputs.
func (p *Pipeline) writeProvenance(ctx context.Context, class cleanup.Classification, modalities []layout.Modality) error {
	l := p.cfg.Layout
	manifestPath := l.Manifest(layout.Surface)
	out := l.Provenance()
	upstream := []string{stepID("merge", string(layout.Surface), "")}
	for _, m := range modalities {
		upstream = append(upstream, stepID(cleanup.Stage, string(m), ""))
	}
	return p.do(ctx, core.Step{
		Key: core.ArtifactKey{Stage: "provenance", Params: map[string]string{
			"runs":           runsParam(p.cfg.Runs),
			"classification": class.Path,
			"backend":        p.opts.Cleaner.Name(),
			"upstream":       p.upstream(upstream...),
		}},
		Prerequisites: []string{manifestPath},
		Outputs:       []string{out},
		Compute: func(context.Context) error {
			manifest, err := series.ReadManifest(manifestPath)
			if err != nil {
				return err
			}
			var b strings.Builder
			fmt.Fprintf(&b, "concatenation: %s\n", l.Concat)
			fmt.Fprintf(&b, "subject: %s\n", l.Subject)
			fmt.Fprintf(&b, "highpass: %s\n", l.HighPass)
			fmt.Fprintf(&b, "classification: %s (%s)\n", class.Source(), filepath.Base(class.Path))
			fmt.Fprintf(&b, "components: %s\n", componentsParam(class.Components))
			fmt.Fprintf(&b, "aggressive: %t\n", p.cfg.Aggressive)
			fmt.Fprintf(&b, "backend: %s\n", p.opts.Cleaner.Name())
			fmt.Fprintf(&b, "runs:\n")
			for _, seg := range manifest {
				fmt.Fprintf(&b, "%s %d-%d\n", seg.RunID, seg.Start, seg.End())
			}
			return writeText(out, b.String())
		},
	})
}

func componentsParam(components []int) string {
	comps := make([]string, len(components))
	for i, c := range components {
		comps[i] = strconv.Itoa(c)
	}
	return strings.Join(comps, ",")
}

func writeText(path, text string) error {
	return core.WriteFileAtomic(path, []byte(text), 0o644)
}
