package portmap

import (
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"warfront/client/internal/logging"
)

func TestNATPMPRequestLayout(t *testing.T) {
	request := encodeNATPMPRequest(8088, 8088, 7200)
	if len(request) != 12 {
		t.Fatalf("unexpected request size: %d", len(request))
	}
	if request[0] != 0 || request[1] != 1 {
		t.Fatalf("unexpected version/opcode: %d/%d", request[0], request[1])
	}
	if binary.BigEndian.Uint16(request[4:6]) != 8088 {
		t.Fatalf("unexpected internal port")
	}
	if binary.BigEndian.Uint32(request[8:12]) != 7200 {
		t.Fatalf("unexpected lifetime")
	}
}

func TestParseNATPMPResponse(t *testing.T) {
	response := make([]byte, 16)
	response[0] = 0
	response[1] = 129
	binary.BigEndian.PutUint16(response[8:10], 8088)
	binary.BigEndian.PutUint16(response[10:12], 40123)

	port, err := parseNATPMPResponse(response)
	if err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if port != 40123 {
		t.Fatalf("unexpected external port: %d", port)
	}

	response[3] = 2 // not authorized
	if _, err := parseNATPMPResponse(response); err == nil {
		t.Fatalf("expected result-code error")
	}
	if _, err := parseNATPMPResponse(response[:8]); err == nil {
		t.Fatalf("expected short-response error")
	}
}

func TestPCPMapRoundTrip(t *testing.T) {
	request := encodePCPMapRequest(net.ParseIP("192.168.1.10"), 8088, 8088, 7200)
	if len(request) != 60 {
		t.Fatalf("unexpected request size: %d", len(request))
	}
	if request[0] != 2 || request[1] != 1 || request[36] != 17 {
		t.Fatalf("unexpected header bytes: %v", request[:4])
	}

	response := make([]byte, 60)
	response[0] = 2
	response[1] = 0x81
	binary.BigEndian.PutUint16(response[42:44], 40555)
	copy(response[44:60], net.ParseIP("203.0.113.9").To16())

	port, external, err := parsePCPMapResponse(response)
	if err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if port != 40555 {
		t.Fatalf("unexpected external port: %d", port)
	}
	if !external.Equal(net.ParseIP("203.0.113.9")) {
		t.Fatalf("unexpected external ip: %v", external)
	}

	response[3] = 8 // NO_RESOURCES
	if _, _, err := parsePCPMapResponse(response); err == nil {
		t.Fatalf("expected result-code error")
	}
}

func TestParseSSDPResponse(t *testing.T) {
	raw := []byte("HTTP/1.1 200 OK\r\n" +
		"CACHE-CONTROL: max-age=120\r\n" +
		"LOCATION: http://192.168.1.1:5000/rootDesc.xml\r\n" +
		"ST: urn:schemas-upnp-org:device:InternetGatewayDevice:1\r\n" +
		"\r\n")
	location, err := parseSSDPResponse(raw)
	if err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if location != "http://192.168.1.1:5000/rootDesc.xml" {
		t.Fatalf("unexpected location: %q", location)
	}

	if _, err := parseSSDPResponse([]byte("HTTP/1.1 200 OK\r\n\r\n")); err == nil {
		t.Fatalf("expected missing-location error")
	}
}

func TestProberPollAndBest(t *testing.T) {
	prober := NewProber(net.ParseIP("192.168.1.1"), 8088, logging.NewTestLogger())

	release := make(chan struct{})
	var mu sync.Mutex
	launched := 0
	stub := func(result Result) probeFunc {
		return func(*Prober) Result {
			mu.Lock()
			launched++
			mu.Unlock()
			<-release
			return result
		}
	}
	prober.probes = [probeCount]probeFunc{
		ProtocolNATPMP: stub(Result{Protocol: ProtocolNATPMP, Mapped: true, ExternalPort: 40001}),
		ProtocolPCP:    stub(Result{Protocol: ProtocolPCP, Mapped: true, ExternalPort: 40002}),
		ProtocolUPnP:   stub(Result{Protocol: ProtocolUPnP, Err: net.ErrClosed}),
	}

	prober.Start()
	prober.Start() // second call must not relaunch

	//1.- Nothing is posted while the probes are still in flight.
	if results := prober.Poll(); len(results) != 0 {
		t.Fatalf("expected no results before release, got %d", len(results))
	}
	if prober.Done() {
		t.Fatalf("prober should not be done before release")
	}

	close(release)
	prober.Shutdown()

	mu.Lock()
	if launched != 3 {
		mu.Unlock()
		t.Fatalf("expected 3 probe launches, got %d", launched)
	}
	mu.Unlock()

	if !prober.Done() {
		t.Fatalf("prober should be done after shutdown")
	}
	results := prober.Poll()
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	//2.- PCP wins the preference order over an equally successful NAT-PMP mapping.
	best, ok := prober.Best()
	if !ok {
		t.Fatalf("expected a successful mapping")
	}
	if best.Protocol != ProtocolPCP || best.ExternalPort != 40002 {
		t.Fatalf("unexpected best mapping: %+v", best)
	}
}

func TestProberBestSkipsFailures(t *testing.T) {
	prober := NewProber(net.ParseIP("192.168.1.1"), 8088, logging.NewTestLogger())
	instant := func(result Result) probeFunc {
		return func(*Prober) Result { return result }
	}
	prober.probes = [probeCount]probeFunc{
		ProtocolNATPMP: instant(Result{Protocol: ProtocolNATPMP, Err: net.ErrClosed}),
		ProtocolPCP:    instant(Result{Protocol: ProtocolPCP, Err: net.ErrClosed}),
		ProtocolUPnP:   instant(Result{Protocol: ProtocolUPnP, Mapped: true, ExternalPort: 8088, GatewayLocation: "http://192.168.1.1:5000/rootDesc.xml"}),
	}

	prober.Start()
	prober.Shutdown()

	best, ok := prober.Best()
	if !ok {
		t.Fatalf("expected the upnp fallback to win")
	}
	if best.Protocol != ProtocolUPnP {
		t.Fatalf("unexpected best protocol: %v", best.Protocol)
	}

	var nilProber *Prober
	if _, ok := nilProber.Best(); ok {
		t.Fatalf("nil prober must not report a mapping")
	}
	nilProber.Start()
	nilProber.Shutdown()
}

func TestProbeResultElapsedOnMissingGateway(t *testing.T) {
	prober := NewProber(nil, 8088, logging.NewTestLogger())
	prober.gateway = nil

	result := probeNATPMP(prober)
	if result.Err == nil {
		t.Fatalf("expected gateway error")
	}
	if result.Mapped {
		t.Fatalf("missing gateway must not report a mapping")
	}
	if result.Elapsed < 0 || result.Elapsed > time.Second {
		t.Fatalf("implausible elapsed time: %v", result.Elapsed)
	}
}
