// Package muse is a Go implementation of the marginal unbiased score
// expansion (MUSE) estimator for hierarchical Bayesian models.
//
// MUSE approximates the marginal posterior of a low-dimensional parameter
// vector θ while marginalizing a high-dimensional latent vector z, without
// ever evaluating the marginal likelihood. It replaces sampling with an
// iterative root-find on an expected score estimated from simulations, and
// pairs the converged estimate with a Gaussian covariance built from two
// Monte Carlo matrices. It is useful when:
//   - The latent space is far too large for MCMC over (θ, z) jointly
//   - Joint draws and latent MAP solves are available but the marginal
//     likelihood is not
//   - A point estimate with an asymptotic Gaussian posterior is sufficient
//
// Key Components:
//
//   - pkg/core: The Problem capability set a model implements to be
//     estimated (sampling, latent MAP solves, scores, prior, transforms),
//     plus per-run execution state with spans and the progress Reporter
//     interface.
//
//   - pkg/muse: The estimation engine:
//     * Solver: damped quasi-Newton iteration on the posterior score, with
//     simulation-based or Broyden-updated inverse-Jacobian estimates
//     * GetJ / GetH: the score covariance and score Jacobian estimators,
//     with finite-difference and implicit-differentiation H modes and
//     incremental sample extension
//     * Result: the resumable estimation record - estimate, history, raw
//     score samples, RNG state, posterior covariance
//
//   - pkg/rng: Deterministic stream splitting. Substreams are a pure
//     function of the parent state, so runs reproduce bit-for-bit across
//     worker counts and across interruption/resumption.
//
//   - pkg/parallel: Execution strategies for the per-simulation fan-out:
//     serial, bounded goroutine pool, and batched pool.
//
//   - pkg/numdiff, pkg/linalg: Finite-difference Jacobians with pluggable
//     stencils, and the matrix-free conjugate-gradient solver the
//     implicit-differentiation H mode uses.
//
//   - pkg/problems: In-tree demo models (a funnel-style variance model and
//     a linear-Gaussian model with a closed-form marginal posterior) backing
//     the tests and the CLI.
//
//   - pkg/checkpoint, pkg/export: Per-iteration run snapshots (file or
//     SQLite backends) and parquet export of the raw estimator inputs.
//
// Example usage:
//
//	problem := problems.NewFunnel(64, 0, 3)
//
//	solver, err := muse.New(problem,
//		muse.WithNSims(100),
//		muse.WithSeed(42),
//		muse.WithExecutor(parallel.NewPool(0)),
//		muse.WithCovariance(true),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	res, err := solver.Fit(ctx, observed, []float64{1})
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Println(res)          // θ, marginal std devs, iteration summary
//	posterior := res.Dist()   // *distmv.Normal over θ
//
// A run with a checkpoint store configured persists a snapshot after every
// iteration; muse.FromSnapshot plus Solver.Resume continue it as if it had
// never stopped. The cmd/muse-cli command wraps all of this for the demo
// problems.
package muse
