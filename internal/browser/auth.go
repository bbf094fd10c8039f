package browser

import (
	"context"
	"fmt"
	"log"

	"github.com/webpilot/webpilot/internal/task"
)

// Credentials configure form-based login for a target application.
// Selector fields default to common login form shapes.
type Credentials struct {
	Username       string `json:"username"`
	Password       string `json:"password"`
	LoginURL       string `json:"login_url,omitempty"`
	UserSelector   string `json:"user_selector,omitempty"`
	PassSelector   string `json:"pass_selector,omitempty"`
	SubmitSelector string `json:"submit_selector,omitempty"`
}

func (c Credentials) Empty() bool {
	return c.Username == "" && c.Password == ""
}

// Authenticator implements the Auth collaborator over a Chrome surface.
type Authenticator struct {
	Chrome *Chrome
	Creds  Credentials
}

func NewAuthenticator(chrome *Chrome, creds Credentials) *Authenticator {
	return &Authenticator{Chrome: chrome, Creds: creds}
}

// EnsureLoggedIn performs form login when credentials are configured.
// Missing credentials are a silent no-op, not an error.
func (a *Authenticator) EnsureLoggedIn(ctx context.Context) error {
	if a == nil || a.Creds.Empty() {
		return nil
	}

	creds := a.Creds
	if creds.UserSelector == "" {
		creds.UserSelector = `input[type="email"], input[name="username"], input[name="email"]`
	}
	if creds.PassSelector == "" {
		creds.PassSelector = `input[type="password"]`
	}
	if creds.SubmitSelector == "" {
		creds.SubmitSelector = `button[type="submit"], input[type="submit"]`
	}

	if creds.LoginURL != "" {
		if err := a.Chrome.Navigate(ctx, creds.LoginURL); err != nil {
			return fmt.Errorf("navigate to login page: %v", err)
		}
	}

	steps := []task.ProposedAction{
		{Kind: string(task.ActionType), Locator: creds.UserSelector, Value: creds.Username},
		{Kind: string(task.ActionType), Locator: creds.PassSelector, Value: creds.Password},
		{Kind: string(task.ActionClick), Locator: creds.SubmitSelector},
	}
	for _, step := range steps {
		if _, err := a.Chrome.ExecuteAction(ctx, step); err != nil {
			return fmt.Errorf("login step %s failed: %v", step.Kind, err)
		}
	}

	if _, err := a.Chrome.ExecuteAction(ctx, task.ProposedAction{Kind: string(task.ActionWait), Value: "2"}); err != nil {
		log.Printf("Warning: post-login wait interrupted: %v", err)
	}
	return nil
}
