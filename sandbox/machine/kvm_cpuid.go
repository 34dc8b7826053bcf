package machine

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const maxCPUIDEntries = 100

// CPUID mirrors struct kvm_cpuid2: a count header followed by Nent entries.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries []CPUIDEntry2
}

type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

func NewCPUID(n int) *CPUID {
	return &CPUID{Nent: uint32(n), Entries: make([]CPUIDEntry2, n)}
}

// Bytes lays c out the way the kernel expects it.
func (c *CPUID) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, c.Nent); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, c.Padding); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, c.Entries); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decode reloads c from a kernel filled buffer. Nent may have shrunk.
func (c *CPUID) decode(data []byte) error {
	r := bytes.NewReader(data)
	if err := binary.Read(r, binary.LittleEndian, &c.Nent); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &c.Padding); err != nil {
		return err
	}
	if int(c.Nent) > len(c.Entries) {
		return fmt.Errorf("cpuid: kernel returned %d entries for %d slots", c.Nent, len(c.Entries))
	}
	c.Entries = c.Entries[:c.Nent]
	return binary.Read(r, binary.LittleEndian, c.Entries)
}

const cpuidHeaderSize = 8

func GetSupportedCPUID(kvmFd P, c *CPUID) error {
	data, err := c.Bytes()
	if err != nil {
		return err
	}
	if _, err := Ioctl(kvmFd,
		IIOWR(kvmGetSupportedCPUID, cpuidHeaderSize),
		P(Ptr(&data[0]))); err != nil {
		return err
	}
	return c.decode(data)
}

func SetCPUID2(vCpuFd P, c *CPUID) error {
	data, err := c.Bytes()
	if err != nil {
		return err
	}
	_, err = Ioctl(vCpuFd,
		IIOW(kvmSetCPUID2, cpuidHeaderSize),
		P(Ptr(&data[0])))
	return err
}
