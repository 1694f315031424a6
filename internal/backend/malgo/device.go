package malgo

import (
	"encoding/hex"
	"runtime"
	"strings"

	"github.com/gen2brain/malgo"

	"github.com/Gameminde/Chneowave-sub003/internal/backend"
	"github.com/Gameminde/Chneowave-sub003/internal/errors"
)

// platformBackend returns the malgo backend for the current platform
func platformBackend() malgo.Backend {
	switch runtime.GOOS {
	case "linux":
		return malgo.BackendAlsa
	case "windows":
		return malgo.BackendWasapi
	case "darwin":
		return malgo.BackendCoreaudio
	default:
		return malgo.BackendNull
	}
}

// initContext allocates a malgo context. The caller must release it with
// releaseContext on every path.
func initContext() (*malgo.AllocatedContext, error) {
	ctx, err := malgo.InitContext([]malgo.Backend{platformBackend()}, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, errors.New(err).
			Component(componentName).
			Category(errors.CategoryDevice).
			Context("backend", runtime.GOOS).
			Context("operation", "init_context").
			Build()
	}
	return ctx, nil
}

func releaseContext(ctx *malgo.AllocatedContext) {
	if ctx == nil {
		return
	}
	_ = ctx.Uninit()
	ctx.Free()
}

// captureDevices lists capture devices, skipping the null device
func captureDevices(ctx *malgo.AllocatedContext) ([]malgo.DeviceInfo, error) {
	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, errors.New(err).
			Component(componentName).
			Category(errors.CategoryDevice).
			Context("operation", "enumerate_devices").
			Build()
	}
	out := infos[:0]
	for i := range infos {
		if strings.Contains(infos[i].Name(), "Discard all samples") {
			continue
		}
		out = append(out, infos[i])
	}
	return out, nil
}

// deviceID is the decoded ID when it is printable, else the raw hex
func deviceID(info *malgo.DeviceInfo) backend.DeviceID {
	raw := info.ID.String()
	if decoded, err := hex.DecodeString(raw); err == nil {
		trimmed := strings.TrimRight(string(decoded), "\x00")
		if trimmed != "" {
			return backend.DeviceID(trimmed)
		}
	}
	return backend.DeviceID(raw)
}

// selectDevice finds the device matching id by exact name, decoded ID, then
// partial name. Empty or "default" picks the system default or the first
// device.
func selectDevice(devices []malgo.DeviceInfo, id backend.DeviceID) (*malgo.DeviceInfo, error) {
	want := string(id)
	if want == "" || want == "default" || want == "sysdefault" {
		for i := range devices {
			if devices[i].IsDefault == 1 {
				return &devices[i], nil
			}
		}
		if len(devices) > 0 {
			return &devices[0], nil
		}
	}

	for i := range devices {
		if devices[i].Name() == want {
			return &devices[i], nil
		}
	}
	for i := range devices {
		if string(deviceID(&devices[i])) == want {
			return &devices[i], nil
		}
	}
	for i := range devices {
		if want != "" && strings.Contains(devices[i].Name(), want) {
			return &devices[i], nil
		}
	}

	return nil, errors.New(backend.ErrUnavailable).
		Component(componentName).
		Category(errors.CategoryDevice).
		Context("device_id", want).
		Context("available_devices", len(devices)).
		Build()
}
