package constants

// Connector types.
const (
	ConnectorHTTP  = "http"
	ConnectorShell = "shell"
	ConnectorLog   = "log"
)

// Policy provider modes.
const (
	PolicyLocal  = "local"
	PolicyRemote = "remote"
)

// MCP transports.
const (
	TransportHTTP  = "http"
	TransportStdio = "stdio"
)

// Signature header set by HTTP connectors when a signing secret is configured.
const HeaderSignature = "X-Signature"
