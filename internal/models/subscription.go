// SPDX-FileCopyrightText: 2021 SAP SE
// SPDX-License-Identifier: Apache-2.0

package models

// SubscriptionStatus is the lifecycle status of a subscription.
type SubscriptionStatus string

// Possible values for SubscriptionStatus.
const (
	SubscriptionStatusSubscribed   SubscriptionStatus = "Subscribed"
	SubscriptionStatusSuspended    SubscriptionStatus = "Suspended"
	SubscriptionStatusUnsubscribed SubscriptionStatus = "Unsubscribed"
)

// Subscription contains a record from the `subscriptions` table.
//
// A subscription binds one owner to one plan of one AI service and carries the
// two API keys that authenticate requests on its behalf. The subscription ID
// doubles as the experiment name on the execution backend, which is why it is
// the primary key rather than a surrogate ID.
type Subscription struct {
	SubscriptionID string             `db:"subscription_id" json:"subscriptionId"`
	Owner          string             `db:"owner" json:"owner"`
	ServiceName    string             `db:"service_name" json:"aiServiceName"`
	PlanName       string             `db:"plan_name" json:"aiServicePlanName"`
	Status         SubscriptionStatus `db:"status" json:"status"`
	BaseURL        string             `db:"base_url" json:"baseUrl"`
	PrimaryKey     string             `db:"primary_key" json:"primaryKey,omitempty"`
	SecondaryKey   string             `db:"secondary_key" json:"secondaryKey,omitempty"`

	// workspace bindings used in local operating mode
	AMLWorkspaceID        *int64 `db:"aml_workspace_id" json:"-"`
	DatabricksWorkspaceID *int64 `db:"databricks_workspace_id" json:"-"`

	ComputeClusterName   string `db:"compute_cluster_name" json:"-"`
	DeploymentTargetType string `db:"deployment_target_type" json:"-"`
}

// HasKey returns whether the given API key is one of this subscription's two
// valid keys. An empty key never matches.
func (s Subscription) HasKey(key string) bool {
	return key != "" && (key == s.PrimaryKey || key == s.SecondaryKey)
}

// Redacted returns a copy with the API keys removed, for responses to callers
// that are not the subscription owner or an admin.
func (s Subscription) Redacted() Subscription {
	s.PrimaryKey = ""
	s.SecondaryKey = ""
	return s
}
