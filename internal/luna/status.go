// SPDX-FileCopyrightText: 2022 SAP SE
// SPDX-License-Identifier: Apache-2.0

package luna

// OperationStatus is the normalized lifecycle status of an operation. The
// execution backends each have their own status vocabulary (e.g. "Completed"
// on Azure ML vs. "FINISHED" on MLflow/Databricks); drivers translate into
// this enum at their boundary so that callers never see raw backend strings.
type OperationStatus string

// Possible values for OperationStatus.
const (
	StatusPending   OperationStatus = "Pending"
	StatusRunning   OperationStatus = "Running"
	StatusSucceeded OperationStatus = "Succeeded"
	StatusFailed    OperationStatus = "Failed"
	StatusUnknown   OperationStatus = "Unknown"
)

// IsTerminalSuccess returns whether an operation in this status has finished
// successfully. Predecessor gating and output retrieval require this.
func (s OperationStatus) IsTerminalSuccess() bool {
	return s == StatusSucceeded
}

// IsTerminal returns whether the operation cannot change status anymore.
func (s OperationStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// NormalizeStatus maps a backend-native status string into an
// OperationStatus using the given mapping table. Raw statuses missing from
// the table map to StatusUnknown rather than silently never matching any
// comparison.
func NormalizeStatus(raw string, table map[string]OperationStatus) OperationStatus {
	if status, ok := table[raw]; ok {
		return status
	}
	return StatusUnknown
}
