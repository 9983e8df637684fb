package domain

import "time"

// Contact is a person a workspace can message. Contacts are owned by the
// surrounding CRM; the engine only reads them.
type Contact struct {
	ID             string            `json:"id"`
	WorkspaceID    string            `json:"workspace_id"`
	FirstName      string            `json:"first_name"`
	LastName       string            `json:"last_name"`
	Email          string            `json:"email"`
	Phone          string            `json:"phone"`
	Stage          string            `json:"stage"`
	Categories     []string          `json:"categories"`
	CustomFields   map[string]string `json:"custom_fields,omitempty"`
	LastActivityAt *time.Time        `json:"last_activity_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// AddressFor returns the recipient address used on ch.
func (c Contact) AddressFor(ch Channel) string {
	if ch == ChannelEmail {
		return c.Email
	}
	return c.Phone
}

// Workspace is one location of the business; it owns sequences and contacts.
type Workspace struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Timezone  string `json:"timezone"`
	FromName  string `json:"from_name"`
	FromEmail string `json:"from_email"`
	SMSFrom   string `json:"sms_from"`
}
