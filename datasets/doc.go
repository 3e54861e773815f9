// Package datasets builds the labeled sample index that drives a training
// run. The index maps image paths to dense class ids derived from the
// training split's CSV listing.
package datasets
