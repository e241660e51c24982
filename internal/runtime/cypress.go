package runtime

// DefaultBrowser is the browser Cypress drives in headless mode.
const DefaultBrowser = "chrome"

// CypressRuntime launches the Cypress CLI through npx.
type CypressRuntime struct {
	Browser string
}

func NewCypressRuntime(browser string) *CypressRuntime {
	if browser == "" {
		browser = DefaultBrowser
	}
	return &CypressRuntime{Browser: browser}
}

func (c *CypressRuntime) Name() string { return "cypress" }

func (c *CypressRuntime) DisplayName() string { return "Cypress" }

func (c *CypressRuntime) Command(targetID string) []string {
	args := []string{
		"npx", "cypress", "run",
		"--headless",
		"--browser", c.Browser,
	}
	if targetID != "" {
		args = append(args, "--config", "projectId="+targetID)
	}
	return args
}

func (c *CypressRuntime) Validate(targetID string) error {
	return validateTargetID(targetID)
}

// CommandRuntime runs an arbitrary configured command, for suites wrapped
// in a script. The target id is exported to the child as APP_MONITOR_TARGET.
type CommandRuntime struct {
	Argv []string
}

func (c *CommandRuntime) Name() string { return "command" }

func (c *CommandRuntime) DisplayName() string { return "test command" }

func (c *CommandRuntime) Command(string) []string {
	return append([]string(nil), c.Argv...)
}

func (c *CommandRuntime) Validate(targetID string) error {
	return validateTargetID(targetID)
}

// TargetEnv is the environment variable carrying the target id.
const TargetEnv = "APP_MONITOR_TARGET"
