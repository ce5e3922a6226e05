package reports

import "github.com/gofrs/uuid/v5"

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}
