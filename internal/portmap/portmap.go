package portmap

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"warfront/client/internal/logging"
)

// Protocol identifies one of the port-mapping probes.
type Protocol int

const (
	ProtocolNATPMP Protocol = iota
	ProtocolPCP
	ProtocolUPnP

	probeCount = 3
)

// String renders the protocol name for logs and telemetry.
func (p Protocol) String() string {
	switch p {
	case ProtocolNATPMP:
		return "nat-pmp"
	case ProtocolPCP:
		return "pcp"
	case ProtocolUPnP:
		return "upnp"
	default:
		return "unknown"
	}
}

// Result is the outcome of one probe. Exactly one is posted per protocol.
type Result struct {
	Protocol        Protocol
	Mapped          bool
	ExternalPort    uint16
	ExternalIP      net.IP
	GatewayLocation string
	Elapsed         time.Duration
	Err             error
}

const (
	defaultTimeout  = 2 * time.Second
	defaultLifetime = 2 * time.Hour
	natPMPPort      = 5351
	pcpPort         = 5351
	ssdpAddress     = "239.255.255.250:1900"
)

type probeFunc func(p *Prober) Result

// Prober launches the NAT-PMP, PCP, and UPnP probes on background goroutines.
// Each probe posts its outcome through an atomic slot that the session loop
// polls; Shutdown joins the goroutines. Probes are bounded by a socket
// deadline, so the join never blocks past the configured timeout.
type Prober struct {
	logger    *logging.Logger
	gateway   net.IP
	localPort uint16
	lifetime  time.Duration
	timeout   time.Duration

	wg       sync.WaitGroup
	started  bool
	outcomes [probeCount]atomic.Pointer[Result]
	probes   [probeCount]probeFunc
}

// NewProber prepares the probe set for the given internal game port. A nil
// gateway falls back to a default-route heuristic.
func NewProber(gateway net.IP, localPort uint16, logger *logging.Logger) *Prober {
	if logger == nil {
		logger = logging.L()
	}
	if gateway == nil {
		gateway = guessGateway()
	}
	return &Prober{
		logger:    logger,
		gateway:   gateway,
		localPort: localPort,
		lifetime:  defaultLifetime,
		timeout:   defaultTimeout,
		probes:    [probeCount]probeFunc{probeNATPMP, probePCP, probeUPnP},
	}
}

// Start launches all three probes. Calling Start twice is a no-op.
func (p *Prober) Start() {
	if p == nil || p.started {
		return
	}
	p.started = true
	for idx := range p.probes {
		probe := p.probes[idx]
		slot := &p.outcomes[idx]
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			//1.- Post the outcome through the atomic slot; the main thread polls it.
			result := probe(p)
			slot.Store(&result)
		}()
	}
}

// Poll returns the outcomes posted so far without blocking.
func (p *Prober) Poll() []Result {
	if p == nil {
		return nil
	}
	var results []Result
	for idx := range p.outcomes {
		if r := p.outcomes[idx].Load(); r != nil {
			results = append(results, *r)
		}
	}
	return results
}

// Done reports whether every probe has posted its outcome.
func (p *Prober) Done() bool {
	if p == nil {
		return false
	}
	for idx := range p.outcomes {
		if p.outcomes[idx].Load() == nil {
			return false
		}
	}
	return p.started
}

// Best returns the preferred successful mapping, PCP over NAT-PMP over UPnP.
func (p *Prober) Best() (Result, bool) {
	if p == nil {
		return Result{}, false
	}
	for _, proto := range [...]Protocol{ProtocolPCP, ProtocolNATPMP, ProtocolUPnP} {
		if r := p.outcomes[proto].Load(); r != nil && r.Mapped {
			return *r, true
		}
	}
	return Result{}, false
}

// Shutdown joins the probe goroutines.
func (p *Prober) Shutdown() {
	if p == nil {
		return
	}
	p.wg.Wait()
	for _, r := range p.Poll() {
		if r.Err != nil {
			p.logger.Debug("port mapping probe failed",
				logging.String("protocol", r.Protocol.String()),
				logging.Error(r.Err),
			)
			continue
		}
		p.logger.Info("port mapping probe finished",
			logging.String("protocol", r.Protocol.String()),
			logging.Bool("mapped", r.Mapped),
			logging.Int("external_port", int(r.ExternalPort)),
			logging.Duration("elapsed", r.Elapsed),
		)
	}
}

// guessGateway assumes the router sits at .1 of the local /24. Good enough for
// the consumer NATs this probe set targets; callers with real route tables can
// pass the gateway explicitly.
func guessGateway() net.IP {
	conn, err := net.Dial("udp4", "8.8.8.8:53")
	if err != nil {
		return nil
	}
	defer conn.Close()
	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil
	}
	ip := local.IP.To4()
	if ip == nil {
		return nil
	}
	gateway := make(net.IP, 4)
	copy(gateway, ip)
	gateway[3] = 1
	return gateway
}

func probeNATPMP(p *Prober) Result {
	start := time.Now()
	result := Result{Protocol: ProtocolNATPMP}
	if p.gateway == nil {
		result.Err = fmt.Errorf("no gateway address")
		result.Elapsed = time.Since(start)
		return result
	}

	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: p.gateway, Port: natPMPPort})
	if err != nil {
		result.Err = err
		result.Elapsed = time.Since(start)
		return result
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(p.timeout))

	request := encodeNATPMPRequest(p.localPort, p.localPort, uint32(p.lifetime/time.Second))
	if _, err := conn.Write(request); err != nil {
		result.Err = err
		result.Elapsed = time.Since(start)
		return result
	}

	buffer := make([]byte, 16)
	n, err := conn.Read(buffer)
	if err != nil {
		result.Err = err
		result.Elapsed = time.Since(start)
		return result
	}

	port, err := parseNATPMPResponse(buffer[:n])
	result.Elapsed = time.Since(start)
	if err != nil {
		result.Err = err
		return result
	}
	result.Mapped = true
	result.ExternalPort = port
	return result
}

func probePCP(p *Prober) Result {
	start := time.Now()
	result := Result{Protocol: ProtocolPCP}
	if p.gateway == nil {
		result.Err = fmt.Errorf("no gateway address")
		result.Elapsed = time.Since(start)
		return result
	}

	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: p.gateway, Port: pcpPort})
	if err != nil {
		result.Err = err
		result.Elapsed = time.Since(start)
		return result
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(p.timeout))

	local, _ := conn.LocalAddr().(*net.UDPAddr)
	var clientIP net.IP
	if local != nil {
		clientIP = local.IP
	}
	request := encodePCPMapRequest(clientIP, p.localPort, p.localPort, uint32(p.lifetime/time.Second))
	if _, err := conn.Write(request); err != nil {
		result.Err = err
		result.Elapsed = time.Since(start)
		return result
	}

	buffer := make([]byte, 128)
	n, err := conn.Read(buffer)
	if err != nil {
		result.Err = err
		result.Elapsed = time.Since(start)
		return result
	}

	port, external, err := parsePCPMapResponse(buffer[:n])
	result.Elapsed = time.Since(start)
	if err != nil {
		result.Err = err
		return result
	}
	result.Mapped = true
	result.ExternalPort = port
	result.ExternalIP = external
	return result
}

func probeUPnP(p *Prober) Result {
	start := time.Now()
	result := Result{Protocol: ProtocolUPnP}

	remote, err := net.ResolveUDPAddr("udp4", ssdpAddress)
	if err != nil {
		result.Err = err
		result.Elapsed = time.Since(start)
		return result
	}
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		result.Err = err
		result.Elapsed = time.Since(start)
		return result
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(p.timeout))

	if _, err := conn.WriteToUDP(encodeSSDPSearch(), remote); err != nil {
		result.Err = err
		result.Elapsed = time.Since(start)
		return result
	}

	buffer := make([]byte, 2048)
	n, _, err := conn.ReadFromUDP(buffer)
	if err != nil {
		result.Err = err
		result.Elapsed = time.Since(start)
		return result
	}

	location, err := parseSSDPResponse(buffer[:n])
	result.Elapsed = time.Since(start)
	if err != nil {
		result.Err = err
		return result
	}
	//1.- Discovery alone is a success signal: an IGD answered, so a later
	// SOAP AddPortMapping against its control URL is expected to work.
	result.Mapped = true
	result.GatewayLocation = location
	result.ExternalPort = p.localPort
	return result
}

// encodeNATPMPRequest builds a version-0 UDP mapping request.
func encodeNATPMPRequest(internalPort, externalPort uint16, lifetimeSeconds uint32) []byte {
	request := make([]byte, 12)
	request[0] = 0 // version
	request[1] = 1 // opcode: map UDP
	binary.BigEndian.PutUint16(request[4:6], internalPort)
	binary.BigEndian.PutUint16(request[6:8], externalPort)
	binary.BigEndian.PutUint32(request[8:12], lifetimeSeconds)
	return request
}

func parseNATPMPResponse(response []byte) (uint16, error) {
	if len(response) < 16 {
		return 0, fmt.Errorf("nat-pmp response too short: %d bytes", len(response))
	}
	if response[0] != 0 || response[1] != 129 {
		return 0, fmt.Errorf("unexpected nat-pmp response opcode %d", response[1])
	}
	if code := binary.BigEndian.Uint16(response[2:4]); code != 0 {
		return 0, fmt.Errorf("nat-pmp result code %d", code)
	}
	return binary.BigEndian.Uint16(response[10:12]), nil
}

// encodePCPMapRequest builds a version-2 MAP request for UDP.
func encodePCPMapRequest(clientIP net.IP, internalPort, externalPort uint16, lifetimeSeconds uint32) []byte {
	request := make([]byte, 60)
	request[0] = 2 // version
	request[1] = 1 // opcode: MAP
	binary.BigEndian.PutUint32(request[4:8], lifetimeSeconds)
	if clientIP != nil {
		copy(request[8:24], clientIP.To16())
	}
	copy(request[24:36], pcpNonce[:])
	request[36] = 17 // protocol: UDP
	binary.BigEndian.PutUint16(request[40:42], internalPort)
	binary.BigEndian.PutUint16(request[42:44], externalPort)
	return request
}

// pcpNonce is fixed per process; the mapping is renewed, never matched across runs.
var pcpNonce = [12]byte{0x77, 0x66, 0x70, 0x74, 0x2d, 0x70, 0x63, 0x70, 0x00, 0x00, 0x00, 0x01}

func parsePCPMapResponse(response []byte) (uint16, net.IP, error) {
	if len(response) < 60 {
		return 0, nil, fmt.Errorf("pcp response too short: %d bytes", len(response))
	}
	if response[0] != 2 || response[1] != 0x81 {
		return 0, nil, fmt.Errorf("unexpected pcp response opcode %d", response[1])
	}
	if code := response[3]; code != 0 {
		return 0, nil, fmt.Errorf("pcp result code %d", code)
	}
	port := binary.BigEndian.Uint16(response[42:44])
	external := make(net.IP, 16)
	copy(external, response[44:60])
	return port, external, nil
}

func encodeSSDPSearch() []byte {
	return []byte("M-SEARCH * HTTP/1.1\r\n" +
		"HOST: 239.255.255.250:1900\r\n" +
		"MAN: \"ssdp:discover\"\r\n" +
		"MX: 2\r\n" +
		"ST: urn:schemas-upnp-org:device:InternetGatewayDevice:1\r\n" +
		"\r\n")
}

func parseSSDPResponse(response []byte) (string, error) {
	const prefix = "location:"
	for _, line := range strings.Split(string(response), "\r\n") {
		if len(line) > len(prefix) && strings.EqualFold(line[:len(prefix)], prefix) {
			return strings.TrimSpace(line[len(prefix):]), nil
		}
	}
	return "", fmt.Errorf("ssdp response missing LOCATION header")
}
