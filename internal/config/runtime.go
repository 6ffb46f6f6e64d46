package config

import (
	"strconv"
	"strings"
)

// Getenv abstracts environment lookup so tests can supply a fixed map.
type Getenv func(key string) string

// SMTP holds mail transport credentials.
type SMTP struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	StartTLS bool
	UseSSL   bool
}

// Runtime bundles all environment-supplied settings for one invocation.
type Runtime struct {
	AdminEmail         string
	DBPath             string
	SMTP               *SMTP // nil when no SMTP env is configured
	MaxTotalItems      int
	SendAdminCopy      bool
	UnsubscribeContact string
	LPURL              string
	WebhookURL         string
	UserAccessToken    string
	AppBearerToken     string
	OnMissingRoute     string
}

// Requirements states which runtime pieces a command cannot run without.
type Requirements struct {
	SMTP  bool
	Admin bool
}

// LoadRuntime reads runtime settings from the environment. SMTP is parsed
// whenever any SMTP variable is set, and validated for completeness when
// present or required. dbOverride (typically the --db flag) wins over DB_PATH.
func LoadRuntime(getenv Getenv, dbOverride string, req Requirements) (*Runtime, error) {
	adminEmail := strings.TrimSpace(getenv("ADMIN_EMAIL"))
	if req.Admin && adminEmail == "" {
		return nil, errorf("ADMIN_EMAIL is required")
	}

	dbPath := strings.TrimSpace(dbOverride)
	if dbPath == "" {
		dbPath = strings.TrimSpace(getenv("DB_PATH"))
	}
	if dbPath == "" {
		dbPath = "data/app.db"
	}

	smtp, err := loadSMTP(getenv, req.SMTP)
	if err != nil {
		return nil, err
	}

	maxTotal, err := PositiveIntEnv(getenv, "MAIL_MAX_TOTAL_ITEMS", 30)
	if err != nil {
		return nil, err
	}

	unsubscribe := strings.TrimSpace(getenv("UNSUBSCRIBE_CONTACT"))
	if unsubscribe == "" {
		unsubscribe = adminEmail
	}

	lpURL := strings.TrimSpace(getenv("LP_PUBLIC_URL"))
	if lpURL == "" {
		lpURL = strings.TrimSpace(getenv("APP_BASE_URL"))
	}

	return &Runtime{
		AdminEmail:         adminEmail,
		DBPath:             dbPath,
		SMTP:               smtp,
		MaxTotalItems:      maxTotal,
		SendAdminCopy:      BoolEnv(getenv, "SEND_ADMIN_COPY", true),
		UnsubscribeContact: unsubscribe,
		LPURL:              lpURL,
		WebhookURL:         strings.TrimSpace(getenv("POST_WEBHOOK_URL")),
		UserAccessToken:    strings.TrimSpace(getenv("POST_USER_ACCESS_TOKEN")),
		AppBearerToken:     strings.TrimSpace(getenv("POST_APP_BEARER_TOKEN")),
		OnMissingRoute:     strings.TrimSpace(getenv("POST_ON_MISSING_ROUTE")),
	}, nil
}

func loadSMTP(getenv Getenv, required bool) (*SMTP, error) {
	host := strings.TrimSpace(getenv("SMTP_HOST"))
	portRaw := strings.TrimSpace(getenv("SMTP_PORT"))
	user := strings.TrimSpace(getenv("SMTP_USER"))
	password := strings.TrimSpace(getenv("SMTP_PASS"))
	from := strings.TrimSpace(getenv("SMTP_FROM"))

	hasAny := host != "" || portRaw != "" || user != "" || password != "" || from != ""
	if !hasAny && !required {
		return nil, nil
	}

	var missing []string
	for _, pair := range []struct{ key, value string }{
		{"SMTP_HOST", host},
		{"SMTP_PORT", portRaw},
		{"SMTP_FROM", from},
	} {
		if pair.value == "" {
			missing = append(missing, pair.key)
		}
	}
	if len(missing) > 0 {
		return nil, errorf("missing SMTP env: %s", strings.Join(missing, ", "))
	}
	port, err := strconv.Atoi(portRaw)
	if err != nil {
		return nil, errorf("SMTP_PORT must be an integer")
	}
	return &SMTP{
		Host:     host,
		Port:     port,
		User:     user,
		Password: password,
		From:     from,
		StartTLS: BoolEnv(getenv, "SMTP_STARTTLS", true),
		UseSSL:   BoolEnv(getenv, "SMTP_USE_SSL", port == 465),
	}, nil
}

// BoolEnv parses a boolean environment variable; 1/true/yes/on count as true.
func BoolEnv(getenv Getenv, key string, fallback bool) bool {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return fallback
	}
	switch strings.ToLower(raw) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// PositiveIntEnv parses a positive integer environment variable.
func PositiveIntEnv(getenv Getenv, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return 0, errorf("%s must be a positive integer", key)
	}
	return value, nil
}
