package domain

const (
	DefaultDecoyURL = "https://google.com"
	DefaultDevPath  = "/dev"
	PublicPrefix    = "/p"
)

// Config is the operator-tunable portal file. Username and Password only
// exist until the first start strips them into a Credential.
type Config struct {
	DecoyURL string `json:"decoy_url"`
	DevPath  string `json:"dev_path"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

func DefaultConfig() Config {
	return Config{DecoyURL: DefaultDecoyURL, DevPath: DefaultDevPath}
}

// HasBootstrapCredentials reports whether both bootstrap values are present.
// An empty string counts as absent: hashing an empty password would create a
// credential nobody can use.
func (c Config) HasBootstrapCredentials() bool {
	return c.Username != "" && c.Password != ""
}

type Credential struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
}

type Payload struct {
	Name       string `json:"name"`
	Content    string `json:"content"`
	AutoSubmit bool   `json:"auto_submit"`
	HideForm   bool   `json:"hide_form"`
}

// Payloads is keyed by slug, which is also the public lookup key.
type Payloads map[string]Payload

type PayloadParams struct {
	Slug       string
	Name       string
	Content    string
	AutoSubmit bool
	HideForm   bool
}

func (p PayloadParams) Payload() Payload {
	return Payload{
		Name:       p.Name,
		Content:    p.Content,
		AutoSubmit: p.AutoSubmit,
		HideForm:   p.HideForm,
	}
}
