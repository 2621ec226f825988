package mqttbridge

import "testing"

func TestDeviceIDFromTopic(t *testing.T) {
	cases := []struct {
		topic string
		want  string
	}{
		{"vitalguard/dev-1/batch", "dev-1"},
		{"vitalguard/dev-42/batch", "dev-42"},
		{"other/dev-9/batch", "dev-9"},
	}
	for _, tc := range cases {
		if got := deviceIDFromTopic(tc.topic); got != tc.want {
			t.Errorf("deviceIDFromTopic(%q) = %q, want %q", tc.topic, got, tc.want)
		}
	}
}
