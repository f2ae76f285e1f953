package broker

import "testing"

func TestQueueName(t *testing.T) {
	cases := map[string]string{
		RoutingPreProcess: "pns_pre_processing_queue",
		RoutingAPNS:       "pns_apns_queue",
		RoutingGCM:        "pns_gcm_queue",
	}
	for routingKey, want := range cases {
		if got := queueName(routingKey); got != want {
			t.Errorf("queueName(%q) = %q, want %q", routingKey, got, want)
		}
	}
}
