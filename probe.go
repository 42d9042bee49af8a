package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"github.com/hako/durafmt"
)

// sv2Client is a minimal V2 initiator. The probe subcommand uses it to
// check a listener end to end.
type sv2Client struct {
	conn      net.Conn
	transport sv2FrameTransport
	cert      *noiseCertificate
	timeout   time.Duration
	writeMu   sync.Mutex
}

func dialSV2(ctx context.Context, addr sv2Address, timeout time.Duration) (*sv2Client, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr.HostPort)
	if err != nil {
		return nil, err
	}
	disableTCPNagle(conn)
	c := &sv2Client{conn: conn, timeout: timeout}
	if addr.Insecure {
		c.transport = newSV2PlainFrameTransport(conn, conn)
		return c, nil
	}

	_ = conn.SetDeadline(time.Now().Add(timeout))
	nt := newNoiseFrameTransport(conn)
	cert, err := nt.Initiate(addr.Authority, time.Now())
	_ = conn.SetDeadline(time.Time{})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.transport = nt
	c.cert = &cert
	return c, nil
}

func (c *sv2Client) send(m stratumV2Message) error {
	frame, err := encodeStratumV2WireMessage(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.transport.WriteFrame(frame)
}

// recv returns the next decodable message, skipping types this client does
// not know.
func (c *sv2Client) recv(timeout time.Duration) (stratumV2Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		_ = c.conn.SetReadDeadline(deadline)
		frame, err := c.transport.ReadFrame()
		if err != nil {
			return nil, err
		}
		msg, err := decodeStratumV2MiningWireFrame(frame)
		if errors.Is(err, errUnsupportedSV2Message) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return msg, nil
	}
}

func (c *sv2Client) setup(vendor string) (stratumV2WireSetupConnectionSuccess, error) {
	host, port := splitHostPortU16(c.conn.RemoteAddr().String())
	err := c.send(stratumV2WireSetupConnection{
		Protocol:     sv2ProtocolMining,
		MinVersion:   sv2VersionCurrent,
		MaxVersion:   sv2VersionCurrent,
		EndpointHost: host,
		EndpointPort: port,
		Vendor:       vendor,
		Firmware:     defaultUpstreamUserAgent,
	})
	if err != nil {
		return stratumV2WireSetupConnectionSuccess{}, err
	}
	msg, err := c.recv(c.timeout)
	if err != nil {
		return stratumV2WireSetupConnectionSuccess{}, err
	}
	switch v := msg.(type) {
	case stratumV2WireSetupConnectionSuccess:
		return v, nil
	case stratumV2WireSetupConnectionError:
		return stratumV2WireSetupConnectionSuccess{}, fmt.Errorf("%w: %s", errSetupRefused, v.ErrorCode)
	default:
		return stratumV2WireSetupConnectionSuccess{}, fmt.Errorf("%w: unexpected %T during setup", errProtocolViolation, msg)
	}
}

func (c *sv2Client) Close() error {
	if nt, ok := c.transport.(*noiseFrameTransport); ok {
		nt.Close()
	}
	return c.conn.Close()
}

func splitHostPortU16(hostPort string) (string, uint16) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return hostPort, 0
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return host, 0
	}
	return host, port
}

// probeResult is what runProbe reports.
type probeResult struct {
	Transport   string
	Certificate *noiseCertificate
	UsedVersion uint16
	ChannelID   uint32
	Target      [32]byte
	FirstJob    *stratumV2WireNewMiningJob
	PrevHash    *stratumV2WireSetNewPrevHash
	Elapsed     time.Duration
}

// probe connects, completes setup and optionally opens a standard channel
// and waits for its first job.
func probe(ctx context.Context, addr sv2Address, user string, openChannel bool, timeout time.Duration) (probeResult, error) {
	start := time.Now()
	var res probeResult
	c, err := dialSV2(ctx, addr, timeout)
	if err != nil {
		return res, err
	}
	defer c.Close()
	res.Transport = c.transport.Mode()
	res.Certificate = c.cert

	ok, err := c.setup("sv2proxy-probe")
	if err != nil {
		return res, err
	}
	res.UsedVersion = ok.UsedVersion

	if openChannel {
		err := c.send(stratumV2WireOpenStandardMiningChannel{
			RequestID:       1,
			UserIdentity:    user,
			NominalHashRate: 1e12,
			MaxTarget:       maxU256Target(),
		})
		if err != nil {
			return res, err
		}
		for res.FirstJob == nil || res.PrevHash == nil {
			msg, err := c.recv(timeout)
			if err != nil {
				return res, err
			}
			switch v := msg.(type) {
			case stratumV2WireOpenStandardMiningChannelSuccess:
				res.ChannelID = v.ChannelID
				res.Target = v.Target
			case stratumV2WireOpenMiningChannelError:
				return res, fmt.Errorf("open channel refused: %s", v.ErrorCode)
			case stratumV2WireNewMiningJob:
				job := v
				res.FirstJob = &job
			case stratumV2WireSetNewPrevHash:
				ph := v
				res.PrevHash = &ph
			case stratumV2WireSetTarget:
				res.Target = v.MaximumTarget
			case stratumV2WireCloseChannel:
				return res, fmt.Errorf("channel closed: %s", v.ReasonCode)
			}
		}
	}
	res.Elapsed = time.Since(start)
	return res, nil
}

func maxU256Target() [32]byte {
	var t [32]byte
	for i := range t {
		t[i] = 0xff
	}
	return t
}

func runProbe(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("probe", flag.ContinueOnError)
	user := fs.String("user", "", "user identity for the test channel")
	open := fs.Bool("open-channel", false, "open a standard channel and wait for the first job")
	timeout := fs.Duration("timeout", 10*time.Second, "overall handshake and response timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: sv2proxy probe [flags] <stratum2+tcp://host:port/<authority> | stratum2+tcp+insecure://host:port>")
	}
	addr, err := parseSV2Address(fs.Arg(0))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	res, err := probe(ctx, addr, *user, *open, *timeout)
	if err != nil {
		return fmt.Errorf("probe %s: %w", addr.HostPort, err)
	}

	fmt.Fprintf(stdout, "address:   %s\n", addr)
	fmt.Fprintf(stdout, "transport: %s\n", res.Transport)
	if res.Certificate != nil {
		fmt.Fprintf(stdout, "server key: %s\n", encodeBase58Key(res.Certificate.PublicKey[:]))
		fmt.Fprintf(stdout, "cert valid: %s .. %s (expires in %s)\n",
			res.Certificate.Header.validFrom().Format(time.RFC3339),
			res.Certificate.Header.notValidAfter().Format(time.RFC3339),
			durafmt.Parse(time.Until(res.Certificate.Header.notValidAfter()).Truncate(time.Minute)).LimitFirstN(2))
	}
	fmt.Fprintf(stdout, "version:   %d\n", res.UsedVersion)
	if *open {
		fmt.Fprintf(stdout, "channel:   %d\n", res.ChannelID)
		fmt.Fprintf(stdout, "difficulty: %s\n", formatProbeDifficulty(res.Target))
		if res.FirstJob != nil {
			fmt.Fprintf(stdout, "first job: %d version=%s\n", res.FirstJob.JobID, formatHexU32(res.FirstJob.Version))
		}
	}
	fmt.Fprintf(stdout, "elapsed:   %s\n", res.Elapsed.Round(time.Millisecond))
	return nil
}

func formatProbeDifficulty(target [32]byte) string {
	d := difficultyFromTarget(u256ToTarget(target))
	if math.IsInf(d, 0) || d == 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.6g", d)
}
