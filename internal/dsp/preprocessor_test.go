package dsp

import "testing"

func TestPreprocessorProcessWrongLengthErrors(t *testing.T) {
	p, err := NewPreprocessor(PreprocessorConfig{
		FrameSize:  160,
		SampleRate: 16000,
		Denoise:    true,
		NoiseSuppressDB: -25,
		AGC:        true,
		AGCTargetLevel: 24000,
	})
	if err != nil {
		t.Fatalf("NewPreprocessor: %v", err)
	}
	defer p.Destroy()

	if err := p.Process(make([]int16, 40)); err == nil {
		t.Fatal("expected error for wrong frame length")
	}
}

func TestPreprocessorProcessInPlace(t *testing.T) {
	p, err := NewPreprocessor(PreprocessorConfig{
		FrameSize:       160,
		SampleRate:      16000,
		Denoise:         true,
		NoiseSuppressDB: -25,
		AGC:             false,
	})
	if err != nil {
		t.Fatalf("NewPreprocessor: %v", err)
	}
	defer p.Destroy()

	frame := make([]int16, 160)
	for i := range frame {
		frame[i] = int16(i)
	}
	if err := p.Process(frame); err != nil {
		t.Fatalf("Process: %v", err)
	}
}

func TestPreprocessorKnobsDoNotPanic(t *testing.T) {
	p, err := NewPreprocessor(PreprocessorConfig{FrameSize: 160, SampleRate: 16000})
	if err != nil {
		t.Fatalf("NewPreprocessor: %v", err)
	}
	defer p.Destroy()

	p.SetDenoise(true)
	p.SetNoiseSuppressDB(-30)
	p.SetAGC(true)
	p.SetAGCTargetLevel(16000)
}
