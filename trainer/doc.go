// Package trainer provides high-level training orchestration for the
// classifier. It drives the epoch loop over the train and validation
// splits, accumulates running metrics, and persists model+optimizer
// snapshots whenever one of the four tracked best-so-far metrics improves.
package trainer
