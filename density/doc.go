// Package density defines the conditional density estimator contract used by
// the inference driver, and the built-in estimator families.
//
// # Contract
//
// Every family implements Estimator with three operations:
//   - LogProb: log-density of each input row given its condition row
//   - Loss: per-example training objective (not necessarily -LogProb)
//   - Sample: draws for each condition row, one matrix per observation
//
// Input rows and condition rows pair one-to-one, or a single condition row is
// broadcast over every input row. Anything else fails with ErrDimensionMismatch.
//
// # Two-phase construction
//
// A Builder captures configuration only (preset name, z-scoring flags,
// hyperparameter overrides, or a custom BuildFunc). Builder.Build observes one
// batch of (input, condition) pairs to fix dimensionality and z-score
// statistics, and returns a ready Estimator. An Estimator value that did not
// come out of Build reports ErrNotInitialized from every operation.
//
// # Families
//
// Families register themselves at init time (see Models):
//   - gaussian: conditional diagonal Gaussian
//   - mdn: mixture density network
//   - maf: masked affine autoregressive flow
//   - ratio: classifier-based ratio estimator (no sampling)
package density
