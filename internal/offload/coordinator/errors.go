// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package coordinator

import (
	offerrors "grimm.is/tetherd/internal/errors"
)

// Reason codes attached to MapOperationFailed errors as their
// reason_code attribute (§7 MapOperationFailed). They are not written to
// the kernel error-counter map. Values are stable once shipped; append only.
const (
	ReasonUnknown uint32 = iota
	ReasonIPv6RuleWrite
	ReasonIPv4RuleWrite
	ReasonQuotaWrite
	ReasonDevIndexWrite
	ReasonConntrackRefresh
	ReasonProgramAttach
)

// ErrNotEligible marks a drop that is not an error condition (§7
// NotEligible): unsupported upstream, filtered port, unknown client.
var ErrNotEligible = offerrors.New(offerrors.KindValidation, "not eligible for offload")

// newMapOperationFailed wraps a transient kernel map error (§7
// MapOperationFailed).
func newMapOperationFailed(err error, reason uint32) error {
	return offerrors.Attr(offerrors.Wrap(err, offerrors.KindUnavailable, "map operation failed"), "reason_code", reason)
}

// newInvariantViolation marks an internal inconsistency detected during
// processing (§7 InvariantViolation).
func newInvariantViolation(msg string) error {
	return offerrors.New(offerrors.KindConflict, msg)
}
