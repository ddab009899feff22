// Package statemachine applies worker outcomes to the catalog.
//
// Records move Pending → Success or Pending → Failed and never leave a
// terminal state except through an operator retry. Band and stage progress
// is implicit in has_error, has_data, and running_count.
//
// Every outcome is applied in one transaction that first deletes the
// item's lease under the outcome's token. If the token is gone the outcome
// is stale (late, duplicated, or already reclaimed) and nothing else
// changes. Cache entries for the record are invalidated only after commit.
package statemachine
