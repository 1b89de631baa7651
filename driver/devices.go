package driver

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Platform represents the driver and the devices it detected when it was initialized.
type Platform struct {
	api     API
	version string
	devices []*Device
}

var (
	platformsMu sync.Mutex
	platforms   = make(map[API]*Platform)
)

// NewPlatform initializes the driver (once per API) and enumerates its devices.
// Calling it again with the same API returns the same Platform.
func NewPlatform(api API) (*Platform, error) {
	platformsMu.Lock()
	defer platformsMu.Unlock()
	if p, found := platforms[api]; found {
		return p, nil
	}
	if err := toError("cuInit", api.Init(0)); err != nil {
		return nil, errors.WithMessagef(err, "failed to initialize %s driver", api.Name())
	}
	p := &Platform{api: api}
	version, r := api.DriverGetVersion()
	if r != Success {
		// Non-fatal.
		klog.Errorf("Failed to retrieve %s driver version: %v", api.Name(), toError("cuDriverGetVersion", r))
	} else {
		p.version = fmt.Sprintf("%d.%d", version/1000, (version%1000)/10)
	}
	count, r := api.DeviceGetCount()
	if err := toError("cuDeviceGetCount", r); err != nil {
		return nil, errors.WithMessagef(err, "failed to enumerate %s devices", api.Name())
	}
	p.devices = make([]*Device, 0, count)
	for ordinal := range count {
		device, err := newDevice(p, ordinal)
		if err != nil {
			return nil, err
		}
		p.devices = append(p.devices, device)
	}
	platforms[api] = p
	return p, nil
}

// API returns the driver API used by the platform.
func (p *Platform) API() API {
	return p.api
}

// Name of the platform, e.g. "CUDA".
func (p *Platform) Name() string {
	return p.api.Name()
}

// Version of the driver, formatted as "major.minor". Empty if it could not be retrieved.
func (p *Platform) Version() string {
	return p.version
}

// Devices detected when the platform was created.
// The returned slice is owned by the Platform, don't change it.
func (p *Platform) Devices() []*Device {
	return p.devices
}

// String implements fmt.Stringer.
func (p *Platform) String() string {
	return fmt.Sprintf("Platform[%s %s, %d devices]", p.Name(), p.version, len(p.devices))
}

// Device is a lightweight, immutable description of one GPU. It doesn't own the underlying driver object.
type Device struct {
	platform *Platform
	ordinal  int
	handle   *Handle[CUdevice]

	name         string
	major, minor int
	totalMemory  uint64
}

func newDevice(p *Platform, ordinal int) (*Device, error) {
	api := p.api
	cuDevice, r := api.DeviceGet(ordinal)
	if err := toError("cuDeviceGet", r); err != nil {
		return nil, errors.WithMessagef(err, "failed to get device #%d", ordinal)
	}
	d := &Device{
		platform: p,
		ordinal:  ordinal,
		handle:   Wrap(api, KindDevice, cuDevice, false),
	}
	d.name, r = api.DeviceGetName(cuDevice)
	if r != Success {
		klog.Errorf("Failed to get name of device #%d: %v", ordinal, toError("cuDeviceGetName", r))
	}
	d.major, r = api.DeviceGetAttribute(AttrComputeCapabilityMajor, cuDevice)
	if err := toError("cuDeviceGetAttribute", r); err != nil {
		return nil, errors.WithMessagef(err, "failed to get compute capability of device #%d", ordinal)
	}
	d.minor, r = api.DeviceGetAttribute(AttrComputeCapabilityMinor, cuDevice)
	if err := toError("cuDeviceGetAttribute", r); err != nil {
		return nil, errors.WithMessagef(err, "failed to get compute capability of device #%d", ordinal)
	}
	d.totalMemory, r = api.DeviceTotalMem(cuDevice)
	if r != Success {
		klog.Errorf("Failed to get total memory of device #%d: %v", ordinal, toError("cuDeviceTotalMem", r))
	}
	return d, nil
}

// Platform the device belongs to.
func (d *Device) Platform() *Platform {
	return d.platform
}

// Ordinal is the index of the device in Platform.Devices.
func (d *Device) Ordinal() int {
	return d.ordinal
}

// Handle returns the non-owning driver handle of the device.
func (d *Device) Handle() *Handle[CUdevice] {
	return d.handle
}

// Name reported by the driver, e.g. "NVIDIA A100-SXM4-40GB".
func (d *Device) Name() string {
	return d.name
}

// ComputeCapability returns the major and minor compute capability version.
func (d *Device) ComputeCapability() (major, minor int) {
	return d.major, d.minor
}

// ComputeCapabilityCode returns the compute capability as major*10+minor, e.g. 80 for 8.0.
func (d *Device) ComputeCapabilityCode() int {
	return d.major*10 + d.minor
}

// TotalMemory in bytes.
func (d *Device) TotalMemory() uint64 {
	return d.totalMemory
}

// Attribute queries a device attribute from the driver.
func (d *Device) Attribute(attr DeviceAttribute) (int, error) {
	value, r := d.platform.api.DeviceGetAttribute(attr, d.handle.Value())
	if err := toError("cuDeviceGetAttribute", r); err != nil {
		return 0, errors.WithMessagef(err, "attribute %d of device #%d", attr, d.ordinal)
	}
	return value, nil
}

// MaxThreadsPerBlock is the maximum number of threads of a launch block.
func (d *Device) MaxThreadsPerBlock() (int, error) {
	return d.Attribute(AttrMaxThreadsPerBlock)
}

// MultiprocessorCount is the number of streaming multiprocessors.
func (d *Device) MultiprocessorCount() (int, error) {
	return d.Attribute(AttrMultiprocessorCount)
}

// WarpSize is the number of threads in a warp.
func (d *Device) WarpSize() (int, error) {
	return d.Attribute(AttrWarpSize)
}

// String implements fmt.Stringer.
func (d *Device) String() string {
	return fmt.Sprintf("Device #%d [%s, sm_%d%d, %d MB]", d.ordinal, d.name, d.major, d.minor, d.totalMemory>>20)
}
