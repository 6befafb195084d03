// Package compute models the devices a training run binds to. Devices are
// plain capability values injected into the trainer, so the same training
// logic drives single-device and multi-device runs; the compute framework
// handles the intra-batch parallelism itself.
package compute

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/graft-ml/graft/arch"
)

// Kind distinguishes CPU from accelerator handles.
type Kind string

const (
	KindCPU Kind = "cpu"
	KindGPU Kind = "gpu"
)

// Device is a handle to one compute device. MemoryBytes is the device memory
// available for executors; zero means unconstrained (typical for host CPU,
// where the OS handles paging).
type Device struct {
	Kind        Kind
	ID          int
	MemoryBytes int64
}

func (d Device) String() string {
	if d.Kind == KindCPU {
		return string(KindCPU)
	}
	return fmt.Sprintf("%s:%d", d.Kind, d.ID)
}

// CPU returns the host CPU device.
func CPU() Device {
	return Device{Kind: KindCPU}
}

// GPU returns an accelerator handle by ordinal.
func GPU(id int) Device {
	return Device{Kind: KindGPU, ID: id}
}

// WithMemoryLimit returns a copy of the device with a memory capacity set.
func (d Device) WithMemoryLimit(bytes int64) Device {
	d.MemoryBytes = bytes
	return d
}

// Parse reads a device list specification such as "cpu", "gpu:0" or
// "gpu:0,1,2,3".
func Parse(spec string) ([]Device, error) {
	spec = strings.TrimSpace(spec)
	switch {
	case spec == "" || spec == string(KindCPU):
		return []Device{CPU()}, nil
	case strings.HasPrefix(spec, string(KindGPU)+":"):
		var devices []Device
		for _, part := range strings.Split(strings.TrimPrefix(spec, string(KindGPU)+":"), ",") {
			id, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil || id < 0 {
				return nil, fmt.Errorf("invalid gpu ordinal %q in device spec %q", part, spec)
			}
			devices = append(devices, GPU(id))
		}
		return devices, nil
	default:
		return nil, fmt.Errorf("invalid device spec %q", spec)
	}
}

// OutOfResourcesError reports that a device cannot hold the executors for the
// requested batch size at bind time. It is fatal for the run; the remedy is a
// smaller batch size or fewer devices, decided by the caller.
type OutOfResourcesError struct {
	Device         Device
	RequiredBytes  int64
	AvailableBytes int64
}

func (e *OutOfResourcesError) Error() string {
	return fmt.Sprintf("device %s: binding requires %d bytes but only %d are available; reduce batch size or device count",
		e.Device, e.RequiredBytes, e.AvailableBytes)
}

// Plan is the result of binding an architecture to a device list: the shard
// each device processes and the estimated per-device memory footprint.
type Plan struct {
	Devices        []Device
	BatchSize      int
	PerDeviceBatch int
	PerDeviceBytes int64
}

// Bind validates that a batch of the given size can be sharded evenly over
// the devices and that every device can hold its executor. The memory
// estimate covers activations (forward plus backward) for the device's shard
// and parameters with their gradients and optimizer state. Estimation happens
// entirely at bind time: no batch is processed before this check passes.
func Bind(a *arch.Architecture, inputShape []int, batchSize int, devices []Device) (*Plan, error) {
	if len(devices) == 0 {
		return nil, fmt.Errorf("at least one device is required")
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if batchSize%len(devices) != 0 {
		return nil, fmt.Errorf("batch size %d is not divisible by device count %d", batchSize, len(devices))
	}
	perDevice := batchSize / len(devices)

	required, err := estimateBytes(a, inputShape, perDevice)
	if err != nil {
		return nil, err
	}
	for _, device := range devices {
		if device.MemoryBytes > 0 && required > device.MemoryBytes {
			return nil, &OutOfResourcesError{
				Device:         device,
				RequiredBytes:  required,
				AvailableBytes: device.MemoryBytes,
			}
		}
	}
	return &Plan{
		Devices:        devices,
		BatchSize:      batchSize,
		PerDeviceBatch: perDevice,
		PerDeviceBytes: required,
	}, nil
}

const float32Bytes = 4

func estimateBytes(a *arch.Architecture, inputShape []int, perDeviceBatch int) (int64, error) {
	shapes, err := a.InferShapes(inputShape)
	if err != nil {
		return 0, err
	}
	var activations int64
	for _, shape := range shapes {
		n := int64(1)
		for _, dim := range shape {
			n *= int64(dim)
		}
		activations += n
	}
	// Forward activations are retained for the backward pass.
	activations *= 2 * int64(perDeviceBatch) * float32Bytes

	paramShapes, err := a.InferParamShapes(inputShape)
	if err != nil {
		return 0, err
	}
	var params int64
	for _, shapeMap := range []map[string][]int{paramShapes.Args, paramShapes.Aux} {
		for _, shape := range shapeMap {
			n := int64(1)
			for _, dim := range shape {
				n *= int64(dim)
			}
			params += n
		}
	}
	// Every device holds a replica of the parameters, their gradients and the
	// optimizer state.
	params *= 3 * float32Bytes

	return activations + params, nil
}
