package quota

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Expected outcomes callers are meant to branch on.
var (
	// ErrQuotaNotFound indicates no per-project limit override exists.
	ErrQuotaNotFound = errors.New("quota: project quota not found")
	// ErrQuotaClassNotFound indicates a quota class row is absent.
	ErrQuotaClassNotFound = errors.New("quota: quota class not found")
	// ErrUsageNotFound indicates no usage row exists for the pair.
	ErrUsageNotFound = errors.New("quota: usage not found")
	// ErrUnknownResource indicates a resource with no sync function.
	ErrUnknownResource = errors.New("quota: unknown resource")
)

// ErrIntegrity indicates an unresolved reservation whose usage row has
// disappeared. This is a data-integrity fault, fatal and never retried.
var ErrIntegrity = errors.New("quota: reservation references missing usage row")

// Usage is a point-in-time snapshot of one usage row's counters.
type Usage struct {
	InUse    int64 `json:"in_use"`
	Reserved int64 `json:"reserved"`
}

// Total is the sum of allocated and tentatively claimed units.
func (u Usage) Total() int64 {
	return u.InUse + u.Reserved
}

// OverQuotaError is the business-rule rejection of a reservation that
// would exceed a hard limit. It is an ordinary expected outcome, not a
// defect; it carries the data callers need for display.
type OverQuotaError struct {
	// Overs lists the rejected resources, sorted.
	Overs []string
	// Quotas holds the effective hard limits consulted.
	Quotas map[string]int64
	// Usages snapshots {in_use, reserved} per requested resource.
	Usages map[string]Usage
}

func (e *OverQuotaError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("quota exceeded for resources: %s", strings.Join(e.Overs, ", "))
}

func newOverQuotaError(overs []string, quotas map[string]int64, usages map[string]Usage) *OverQuotaError {
	sorted := append([]string(nil), overs...)
	sort.Strings(sorted)
	return &OverQuotaError{Overs: sorted, Quotas: quotas, Usages: usages}
}

// IsOverQuota reports whether err is an over-quota rejection.
func IsOverQuota(err error) bool {
	var over *OverQuotaError
	return errors.As(err, &over)
}
