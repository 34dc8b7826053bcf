package machine

import (
	"errors"
	"fmt"
	"log"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	kvmGetAPIVersion     = 0x00
	kvmCreateVM          = 0x1
	kvmCheckExtension    = 0x03
	kvmGetVCPUMMapSize   = 0x04
	kvmGetSupportedCPUID = 0x05

	kvmCreateVCPU          = 0x41
	kvmSetUserMemoryRegion = 0x46
	kvmSetTSSAddr          = 0x47
	kvmSetIdentityMapAddr  = 0x48

	kvmCreateIRQChip = 0x60
	kvmCreatePIT2    = 0x77

	kvmRun       = 0x80
	kvmGetRegs   = 0x81
	kvmSetRegs   = 0x82
	kvmGetSregs  = 0x83
	kvmSetSregs  = 0x84
	kvmTranslate = 0x85

	kvmSetCPUID2     = 0x90
	kvmSetGuestDebug = 0x9b
)

const (
	numInterrupts   = 0x100
	CPUIDFeatures   = 0x40000001
	CPUIDSignature  = 0x40000000
	CPUIDFuncPerMon = 0x0A

	// KVMAPIVersion is the only KVM_GET_API_VERSION value ever shipped.
	KVMAPIVersion = 12
)

const kvmDev = "/dev/kvm"

// KVM owns the /dev/kvm handle, one VM and its vCPUs.
type KVM struct {
	fd    P
	vmFd  P
	vcpus []*kvmVCPU
}

func NewKVM(cpus int) (*KVM, error) {
	fd, err := unix.Open(kvmDev, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("kvm dev: %w", err)
	}
	k := &KVM{fd: P(fd)}
	ok := false
	defer func() {
		if !ok {
			k.Close()
		}
	}()

	version, err := GetAPIVersion(k.fd)
	if err != nil {
		return nil, fmt.Errorf("GetAPIVersion: %w", err)
	}
	if version != KVMAPIVersion {
		return nil, fmt.Errorf("kvm api version %d: %w", version, ErrUnsupported)
	}
	if k.vmFd, err = CreateVM(k.fd); err != nil {
		return nil, fmt.Errorf("CreateVM: %w", err)
	}
	if err := SetTSSAddr(k.vmFd, KVMTSSStart); err != nil {
		return nil, fmt.Errorf("SetTSSAddr: %w", err)
	}
	if err := SetIdentityMapAddr(k.vmFd, KVMIdentityMapStart); err != nil {
		return nil, fmt.Errorf("SetIdentityMapAddr: %w", err)
	}
	if err := CreateIRQChip(k.vmFd); err != nil {
		return nil, fmt.Errorf("CreateIRQChip: %w", err)
	}
	if err := CreatePIT2(k.vmFd); err != nil {
		return nil, fmt.Errorf("CreatePIT2: %w", err)
	}

	mMapSize, err := GetVCPUMMmapSize(k.fd)
	if err != nil {
		return nil, fmt.Errorf("GetVCPUMMmapSize: %w", err)
	}

	for cpu := 0; cpu < cpus; cpu++ {
		vfd, err := CreateVCPU(k.vmFd, cpu)
		if err != nil {
			return nil, fmt.Errorf("CreateVCPU %d: %w", cpu, err)
		}
		r, err := unix.Mmap(int(vfd), 0, int(mMapSize),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			unix.Close(int(vfd))
			return nil, fmt.Errorf("mmap kvm_run %d: %w", cpu, err)
		}
		k.vcpus = append(k.vcpus, &kvmVCPU{id: cpu, fd: vfd, run: RunData(r)})
	}

	for cpu := range k.vcpus {
		if err := k.setupCPUID(cpu); err != nil {
			return nil, fmt.Errorf("setupCPUID: %w", err)
		}
	}
	ok = true
	return k, nil
}

func (k *KVM) setupCPUID(cpu int) error {
	cpuid := NewCPUID(maxCPUIDEntries)
	if err := GetSupportedCPUID(k.fd, cpuid); err != nil {
		return err
	}

	for i := 0; i < int(cpuid.Nent); i++ {
		switch cpuid.Entries[i].Function {
		case CPUIDFuncPerMon:
			// no architectural perfmon in the guest
			cpuid.Entries[i].Eax = 0
		case CPUIDSignature:
			cpuid.Entries[i].Eax = CPUIDFeatures
			cpuid.Entries[i].Ebx = 0x4b4d564b
			cpuid.Entries[i].Ecx = 0x564b4d56
			cpuid.Entries[i].Edx = 0x4d
		}
	}
	return SetCPUID2(k.vcpus[cpu].fd, cpuid)
}

// Close unmaps the run pages and closes every descriptor. It is safe on a
// partially constructed KVM.
func (k *KVM) Close() error {
	var errs []error
	for _, v := range k.vcpus {
		if err := unix.Munmap(v.run); err != nil {
			errs = append(errs, err)
		}
		if err := unix.Close(int(v.fd)); err != nil {
			errs = append(errs, err)
		}
	}
	k.vcpus = nil
	if k.vmFd != 0 {
		errs = append(errs, unix.Close(int(k.vmFd)))
		k.vmFd = 0
	}
	if k.fd != 0 {
		errs = append(errs, unix.Close(int(k.fd)))
		k.fd = 0
	}
	return errors.Join(errs...)
}

func (k *KVM) VCPU(cpu int) (VCPU, error) {
	if cpu < 0 || cpu >= len(k.vcpus) {
		return nil, fmt.Errorf("cpu %d out of range 0-%d:%w", cpu, len(k.vcpus), ErrBadCPU)
	}
	return k.vcpus[cpu], nil
}

func (k *KVM) CPUs() int {
	return len(k.vcpus)
}

// SetUserMemoryRegion installs region in the VM's guest physical map.
func (k *KVM) SetUserMemoryRegion(region *UserspaceMemoryRegion) error {
	if debug {
		log.Printf("kvm: slot %d [%#x,%#x) -> host %#x", region.Slot,
			region.GuestPhysAddr, region.GuestPhysAddr+region.MemorySize, region.UserspaceAddr)
	}
	return SetUserMemoryRegion(k.vmFd, region)
}

type kvmVCPU struct {
	id  int
	fd  P
	run RunData
}

func (v *kvmVCPU) Run() error {
	_, err := Ioctl(v.fd, IIO(kvmRun), P(0))
	return err
}

func (v *kvmVCPU) RunData() RunData {
	return v.run
}

func (v *kvmVCPU) GetRegs() (*Regs, error) {
	return GetRegs(v.fd)
}

func (v *kvmVCPU) SetRegs(r *Regs) error {
	return SetRegs(v.fd, r)
}

func (v *kvmVCPU) GetSregs() (*Sregs, error) {
	return GetSregs(v.fd)
}

func (v *kvmVCPU) SetSregs(s *Sregs) error {
	return SetSregs(v.fd, s)
}

func (v *kvmVCPU) Translate(vaddr uint64) (uint64, bool, error) {
	t := &Translation{LinearAddress: vaddr}
	if err := Translate(v.fd, t); err != nil {
		return 0, false, err
	}
	return t.PhysicalAddress, t.Valid != 0, nil
}

type guestDebug struct {
	Control  uint32
	_        uint32
	DebugReg [8]uint64
}

func (v *kvmVCPU) SingleStep(on bool) error {
	const (
		Enable     = 1
		SingleStep = 2
	)

	var dbg guestDebug
	if on {
		dbg.Control = Enable | SingleStep
	}
	_, err := Ioctl(v.fd, IIOW(kvmSetGuestDebug, P(unsafe.Sizeof(dbg))), P(Ptr(&dbg)))
	return err
}

func GetAPIVersion(kvmFd P) (P, error) {
	return Ioctl(kvmFd, IIO(kvmGetAPIVersion), P(0))
}

func CheckExtension(kvmFd P, c Cap) (P, error) {
	return Ioctl(kvmFd, IIO(kvmCheckExtension), P(c))
}

func CreateVM(kvmFd P) (P, error) {
	return Ioctl(kvmFd, IIO(kvmCreateVM), P(0))
}

func CreateVCPU(vmFd P, vCpuID int) (P, error) {
	return Ioctl(vmFd, IIO(kvmCreateVCPU), P(vCpuID))
}

func GetVCPUMMmapSize(kvmFd P) (P, error) {
	return Ioctl(kvmFd, IIO(kvmGetVCPUMMapSize), P(0))
}

func CreateIRQChip(vmFd P) error {
	_, err := Ioctl(vmFd, IIO(kvmCreateIRQChip), 0)
	return err
}

type pitConfig struct {
	Flags uint32
	_     [15]uint32
}

func CreatePIT2(vmFd P) error {
	pit := pitConfig{}
	_, err := Ioctl(vmFd,
		IIOW(kvmCreatePIT2, P(unsafe.Sizeof(pitConfig{}))), P(Ptr(&pit)))
	return err
}

func SetTSSAddr(vmFd P, addr uint32) error {
	_, err := Ioctl(vmFd, IIO(kvmSetTSSAddr), P(addr))
	return err
}

func SetIdentityMapAddr(vmFd P, addr uint32) error {
	a := uint64(addr)
	_, err := Ioctl(vmFd, IIOW(kvmSetIdentityMapAddr, 8), P(Ptr(&a)))
	return err
}

type Translation struct {
	LinearAddress   uint64
	PhysicalAddress uint64
	Valid           uint8
	Writeable       uint8
	Usermode        uint8
	_               [5]uint8
}

func Translate(vCpuFd P, t *Translation) error {
	_, err := Ioctl(vCpuFd,
		IIOWR(kvmTranslate, P(unsafe.Sizeof(Translation{}))), P(Ptr(t)))
	return err
}
