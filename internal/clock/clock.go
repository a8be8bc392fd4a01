// Package clock abstracts time for components that stamp records.
package clock

import "time"

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}
