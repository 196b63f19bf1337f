package registration

import (
	"context"
	"time"
)

// Page is the automation surface the machine drives. Implementations wait
// for explicit conditions rather than fixed delays.
type Page interface {
	Navigate(ctx context.Context, url string) error
	WaitSettled(ctx context.Context) error
	Fill(ctx context.Context, selector, value string) error
	Check(ctx context.Context, selector string) error
	Click(ctx context.Context, selector string) error
	// ClickText clicks the element whose text equals text.
	ClickText(ctx context.Context, text string) error
	// ClickButton clicks the button labelled label.
	ClickButton(ctx context.Context, label string) error
	WaitURL(ctx context.Context, url string, timeout time.Duration) error
	Attribute(ctx context.Context, selector, name string) (string, bool, error)
	Close(ctx context.Context) error
}
