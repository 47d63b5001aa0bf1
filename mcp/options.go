// Package mcp exposes vigil instances as Model Context Protocol tools.
package mcp

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	name    string
	version string

	// account is used by tools when the caller gives no account id.
	account string
}

func defaultServerConfig() *serverConfig {
	return &serverConfig{
		name:    "vigil-mcp-server",
		version: "1.0.0",
	}
}

// WithServerName sets the MCP server name.
func WithServerName(name string) ServerOption {
	return func(c *serverConfig) {
		c.name = name
	}
}

// WithServerVersion sets the MCP server version.
func WithServerVersion(version string) ServerOption {
	return func(c *serverConfig) {
		c.version = version
	}
}

// WithDefaultAccount sets the account used by instance_status when the
// tool call names none.
func WithDefaultAccount(accountID string) ServerOption {
	return func(c *serverConfig) {
		c.account = accountID
	}
}
