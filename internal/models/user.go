// SPDX-FileCopyrightText: 2021 SAP SE
// SPDX-License-Identifier: Apache-2.0

package models

// UserRole is the role of an agent user within a subscription.
type UserRole string

// Possible values for UserRole.
const (
	RoleAdmin UserRole = "Admin"
	RoleUser  UserRole = "User"
)

// AgentUser contains a record from the `agent_users` table.
//
// Users authenticate with AAD bearer tokens; ObjectID is the AAD object ID
// from the token's oid claim. Admin rows use the reserved subscription ID
// "default" since admins are not scoped to a single subscription.
type AgentUser struct {
	ObjectID       string   `db:"object_id" json:"objectId"`
	SubscriptionID string   `db:"subscription_id" json:"subscriptionId"`
	DisplayName    string   `db:"display_name" json:"displayName"`
	Role           UserRole `db:"role" json:"role"`
}

// AdminSubscriptionID is the sentinel subscription ID under which admin users
// are recorded.
const AdminSubscriptionID = "default"
