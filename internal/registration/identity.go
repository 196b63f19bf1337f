package registration

import (
	"regexp"
	"strings"

	"github.com/brianvoe/gofakeit/v6"
)

// Identity is the registrant submitted to the provider's form.
type Identity struct {
	FirstName string
	LastName  string
	Email     string
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// NewIdentity generates a registrant name. An empty email is replaced by a
// generated address at domain, or a fully random one when domain is empty.
func NewIdentity(faker *gofakeit.Faker, email, domain string) Identity {
	id := Identity{
		FirstName: faker.FirstName(),
		LastName:  faker.LastName(),
		Email:     strings.TrimSpace(email),
	}
	if id.Email != "" {
		return id
	}

	domain = strings.TrimPrefix(strings.TrimSpace(domain), "@")
	if domain == "" {
		id.Email = strings.ToLower(faker.Email())
		return id
	}
	local := nonAlnum.ReplaceAllString(strings.ToLower(id.FirstName), "") + "." +
		nonAlnum.ReplaceAllString(strings.ToLower(id.LastName), "") + faker.DigitN(4)
	id.Email = strings.Trim(local, ".") + "@" + domain
	return id
}
