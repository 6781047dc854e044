package email

import "fmt"

// Config is loaded from the environment. Without POSTMARK_SERVER_TOKEN
// mail goes to DevDir.
type Config struct {
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	PostmarkBaseURL      string `env:"POSTMARK_BASE_URL"`
	SenderEmail          string `env:"SENDER_EMAIL,required"`
	SupportEmail         string `env:"SUPPORT_EMAIL,required"`
	// OpsEmail receives renewal failure reports. Empty disables them.
	OpsEmail string `env:"OPS_EMAIL"`
	DevDir   string `env:"EMAIL_DEV_DIR" envDefault:"./tmp/emails"`
}

func (c Config) Enabled() bool {
	return c.PostmarkServerToken != ""
}

func (c Config) validate() error {
	required := []struct{ name, value string }{
		{"POSTMARK_SERVER_TOKEN", c.PostmarkServerToken},
		{"POSTMARK_ACCOUNT_TOKEN", c.PostmarkAccountToken},
		{"SENDER_EMAIL", c.SenderEmail},
		{"SUPPORT_EMAIL", c.SupportEmail},
	}
	for _, f := range required {
		if f.value == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidConfig, f.name)
		}
	}
	for _, f := range required[2:] {
		if !validAddress(f.value) {
			return fmt.Errorf("%w: %s %q is not an address", ErrInvalidConfig, f.name, f.value)
		}
	}
	return nil
}
