package client

import (
	"runtime"
	"time"

	"github.com/omochice/wired-socket/pkg/protocol"
)

// Application describes this client in wired.client_info.
type Application struct {
	Name    string
	Version string
	Build   string
}

// DefaultApplication is announced when Options.Application is empty.
var DefaultApplication = Application{
	Name:    "wired-socket",
	Version: "1.0",
	Build:   "1",
}

// ServerInfo is the server's wired.server_info reply.
type ServerInfo struct {
	ApplicationName    string
	ApplicationVersion string
	ApplicationBuild   string
	OSName             string
	OSVersion          string
	Arch               string
	SupportsRsrc       bool
	Name               string
	Description        string
	StartTime          time.Time
	FilesCount         uint64
	FilesSize          uint64
}

func parseServerInfo(msg *protocol.Message) ServerInfo {
	var info ServerInfo
	info.ApplicationName, _ = msg.String(protocol.FieldApplicationName)
	info.ApplicationVersion, _ = msg.String(protocol.FieldApplicationVersion)
	info.ApplicationBuild, _ = msg.String(protocol.FieldApplicationBuild)
	info.OSName, _ = msg.String(protocol.FieldOSName)
	info.OSVersion, _ = msg.String(protocol.FieldOSVersion)
	info.Arch, _ = msg.String(protocol.FieldArch)
	info.SupportsRsrc, _ = msg.Bool(protocol.FieldSupportsRsrc)
	info.Name, _ = msg.String(protocol.FieldServerName)
	info.Description, _ = msg.String(protocol.FieldServerDescription)
	if ts, ok := msg.Int64(protocol.FieldStartTime); ok {
		info.StartTime = time.Unix(ts, 0)
	}
	info.FilesCount, _ = msg.Uint64(protocol.FieldFilesCount)
	info.FilesSize, _ = msg.Uint64(protocol.FieldFilesSize)
	return info
}

func clientInfo(spec *protocol.Spec, app Application) (*protocol.Message, error) {
	return protocol.Build(spec, protocol.MsgClientInfo, map[string]any{
		protocol.FieldApplicationName:    app.Name,
		protocol.FieldApplicationVersion: app.Version,
		protocol.FieldApplicationBuild:   app.Build,
		protocol.FieldOSName:             runtime.GOOS,
		protocol.FieldOSVersion:          runtime.Version(),
		protocol.FieldArch:               runtime.GOARCH,
		protocol.FieldSupportsRsrc:       false,
	})
}
