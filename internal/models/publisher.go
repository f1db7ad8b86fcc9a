// SPDX-FileCopyrightText: 2022 SAP SE
// SPDX-License-Identifier: Apache-2.0

package models

// Publisher contains a record from the `publishers` table.
type Publisher struct {
	ID          int64  `db:"id" json:"-"`
	Name        string `db:"name" json:"name"`
	EndpointURL string `db:"endpoint_url" json:"endpointUrl"`
	IsEnabled   bool   `db:"is_enabled" json:"isEnabled"`
}

// Offer contains a record from the `offers` table.
type Offer struct {
	ID          int64  `db:"id" json:"-"`
	PublisherID int64  `db:"publisher_id" json:"-"`
	Name        string `db:"name" json:"name"`
	DisplayName string `db:"display_name" json:"displayName"`
	Description string `db:"description" json:"description"`
}
