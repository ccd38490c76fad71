package worker

import (
	"fmt"

	"caseflow/backend/features/contact"
)

// TranscriptPath is the object key a contact's transcript is exported to.
func TranscriptPath(c contact.Contact) string {
	created := c.CreatedAt.UTC()
	return fmt.Sprintf("transcripts/%s/%s-%s.json", created.Format("2006/01/02"), created.Format("20060102150405"), c.TaskID)
}
