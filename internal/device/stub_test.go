package device

import "testing"

func TestStubAllocFreeRoundTrip(t *testing.T) {
	s := NewStub()
	ref, err := s.Alloc(128)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := s.CopyHostToDevice(ref, 0, []byte("hello")); err != nil {
		t.Fatalf("CopyHostToDevice: %v", err)
	}
	got, err := s.CopyDeviceToHost(ref, 0, 5)
	if err != nil {
		t.Fatalf("CopyDeviceToHost: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
	if err := s.Free(ref); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := s.Free(ref); err == nil {
		t.Fatalf("double free should error")
	}
}

func TestStubCopyOutOfBounds(t *testing.T) {
	s := NewStub()
	ref, _ := s.Alloc(16)
	if err := s.CopyHostToDevice(ref, 10, make([]byte, 10)); err == nil {
		t.Fatalf("expected out-of-bounds error")
	}
}

func TestStubDeviceToDevice(t *testing.T) {
	s := NewStub()
	a, _ := s.Alloc(32)
	b, _ := s.Alloc(32)
	_ = s.CopyHostToDevice(a, 0, []byte("device-to-device-copy"))
	if err := s.CopyDeviceToDevice(b, 0, a, 0, 21); err != nil {
		t.Fatalf("CopyDeviceToDevice: %v", err)
	}
	got, _ := s.CopyDeviceToHost(b, 0, 21)
	if string(got) != "device-to-device-copy" {
		t.Fatalf("got %q", got)
	}
}

func TestStubMemset(t *testing.T) {
	s := NewStub()
	ref, _ := s.Alloc(8)
	if err := s.Memset(ref, 0, 0x7F, 8); err != nil {
		t.Fatalf("Memset: %v", err)
	}
	got, _ := s.CopyDeviceToHost(ref, 0, 8)
	for _, b := range got {
		if b != 0x7F {
			t.Fatalf("byte = %x, want 0x7F", b)
		}
	}
}

func TestStubDeviceInfo(t *testing.T) {
	s := NewStub()
	n, err := s.DeviceCount()
	if err != nil || n != 1 {
		t.Fatalf("DeviceCount = %d, %v", n, err)
	}
	info, err := s.DeviceInfo(0)
	if err != nil || info.Name == "" {
		t.Fatalf("DeviceInfo = %+v, %v", info, err)
	}
	if _, err := s.DeviceInfo(5); err == nil {
		t.Fatalf("expected error for out-of-range index")
	}
}
