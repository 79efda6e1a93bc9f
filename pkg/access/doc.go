// Package access translates committed subscription transitions into account
// consequences: granting and revoking product access and notifying the user.
// It sits behind the billing engine's side-effect hook, so consequences run
// at most once per source event.
package access
