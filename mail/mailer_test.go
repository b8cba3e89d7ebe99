package mail

import (
	"bufio"
	"context"
	"math/big"
	"net"
	"net/mail"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/serverpki/serverpki/blog"
	"github.com/serverpki/serverpki/test"
)

type fakeSource struct{}

func (f fakeSource) generate() *big.Int {
	return big.NewInt(1991)
}

func newTestMailer(t *testing.T, port string) (*SMTPMailer, clock.FakeClock) {
	t.Helper()
	fc := clock.NewFake()
	fc.Set(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	from := mail.Address{Name: "happy sender", Address: "send@email.com"}
	m := New("127.0.0.1", port, "user@example.com", "paswd", from, prometheus.NewRegistry(), fc)
	m.csprgSource = fakeSource{}
	return m, fc
}

func TestGenerateMessage(t *testing.T) {
	m, _ := newTestMailer(t, "25")
	messageBytes, err := m.generateMessage([]string{"recv@email.com"}, "test subject", "this is the body\n")
	test.AssertNotError(t, err, "Failed to generate email body")
	message := string(messageBytes)
	fields := strings.Split(message, "\r\n")
	test.AssertEquals(t, len(fields), 12)
	test.AssertEquals(t, fields[0], "To: \"recv@email.com\"")
	test.AssertEquals(t, fields[1], "From: \"happy sender\" <send@email.com>")
	test.AssertEquals(t, fields[2], "Subject: test subject")
	test.AssertEquals(t, fields[3], "Date: 01 Mar 26 00:00 UTC")
	test.AssertEquals(t, fields[4], "Message-Id: <20260301T000000.1991.send@email.com>")
	test.AssertEquals(t, fields[5], "MIME-Version: 1.0")
	test.AssertEquals(t, fields[6], "Content-Type: text/plain; charset=UTF-8")
	test.AssertEquals(t, fields[7], "Content-Transfer-Encoding: quoted-printable")
	test.AssertEquals(t, fields[8], "")
	test.AssertEquals(t, fields[9], "this is the body")
}

func TestFailNonASCIIAddress(t *testing.T) {
	m, _ := newTestMailer(t, "25")
	_, err := m.generateMessage([]string{"遗憾@email.com"}, "test subject", "this is the body\n")
	test.AssertError(t, err, "Allowed a non-ASCII to address incorrectly")
}

func TestHeaderInjection(t *testing.T) {
	m, _ := newTestMailer(t, "25")
	messageBytes, err := m.generateMessage([]string{"recv@email.com"}, "subject\nBcc: evil@example.com", "body")
	test.AssertNotError(t, err, "generating message")
	test.AssertContains(t, string(messageBytes), "Subject: subjectBcc: evil@example.com\r\n")
}

// smtpServer accepts connections on a random port and speaks just enough
// SMTP for net/smtp.SendMail. The first closeFirst connections are cut off
// after MAIL FROM. Received message bodies are sent on the returned channel.
func smtpServer(t *testing.T, closeFirst int32) (string, <-chan string) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	test.AssertNotError(t, err, "listening")
	t.Cleanup(func() { _ = l.Close() })

	received := make(chan string, 10)
	var conns atomic.Int32
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				id := conns.Add(1)
				r := bufio.NewReader(conn)
				_, _ = conn.Write([]byte("220 localhost ESMTP\r\n"))
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					cmd := strings.ToUpper(strings.TrimSpace(line))
					switch {
					case strings.HasPrefix(cmd, "EHLO"):
						_, _ = conn.Write([]byte("250-localhost\r\n250-AUTH PLAIN\r\n250 8BITMIME\r\n"))
					case strings.HasPrefix(cmd, "AUTH PLAIN"):
						_, _ = conn.Write([]byte("235 2.7.0 Authentication successful\r\n"))
					case strings.HasPrefix(cmd, "MAIL FROM"):
						if id <= closeFirst {
							return
						}
						_, _ = conn.Write([]byte("250 Sure. Go on.\r\n"))
					case strings.HasPrefix(cmd, "RCPT TO"):
						_, _ = conn.Write([]byte("250 Tell Me More\r\n"))
					case cmd == "DATA":
						_, _ = conn.Write([]byte("354 Cool Data\r\n"))
						var data strings.Builder
						for {
							l, err := r.ReadString('\n')
							if err != nil {
								return
							}
							if l == ".\r\n" {
								break
							}
							data.WriteString(l)
						}
						received <- data.String()
						_, _ = conn.Write([]byte("250 Peace Out\r\n"))
					case cmd == "QUIT":
						_, _ = conn.Write([]byte("221 Bye\r\n"))
						return
					default:
						_, _ = conn.Write([]byte("500 What?\r\n"))
					}
				}
			}()
		}
	}()
	_, port, _ := net.SplitHostPort(l.Addr().String())
	return port, received
}

func TestSendMail(t *testing.T) {
	port, received := smtpServer(t, 0)
	m, _ := newTestMailer(t, port)
	ctx := blog.NewTestContext(t)

	err := m.SendMail(ctx, []string{"hi@bye.com"}, "You are already a winner!", "Just kidding")
	test.AssertNotError(t, err, "sending")
	msg := <-received
	test.AssertContains(t, msg, "Subject: You are already a winner!")
	test.AssertContains(t, msg, "Just kidding")
	test.AssertMetricWithLabelsEquals(t, m.sent, prometheus.Labels{"result": "success"}, 1)
}

func TestSendMailRetries(t *testing.T) {
	port, received := smtpServer(t, 2)
	m, fc := newTestMailer(t, port)
	ctx := blog.NewTestContext(t)
	start := fc.Now()

	err := m.SendMail(ctx, []string{"hi@bye.com"}, "subject", "body")
	test.AssertNotError(t, err, "sending should succeed on the third attempt")
	<-received
	test.Assert(t, fc.Since(start) > 0, "no backoff between attempts")
}

func TestSendMailGivesUp(t *testing.T) {
	port, _ := smtpServer(t, 10)
	m, _ := newTestMailer(t, port)
	ctx := blog.NewTestContext(t)

	err := m.SendMail(ctx, []string{"hi@bye.com"}, "subject", "body")
	test.AssertError(t, err, "sending should fail after the last attempt")
	test.AssertMetricWithLabelsEquals(t, m.sent, prometheus.Labels{"result": "failure"}, 1)

	err = m.SendMail(context.Background(), nil, "subject", "body")
	test.AssertError(t, err, "no recipients should fail")
}
