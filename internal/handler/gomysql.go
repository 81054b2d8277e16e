package handler

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"

	gmclient "github.com/go-mysql-org/go-mysql/client"
	gmmysql "github.com/go-mysql-org/go-mysql/mysql"
	"golang.org/x/sys/unix"
)

// GoMySQL is the MysqlHandler backed by github.com/go-mysql-org/go-mysql,
// the real client driver this package adapts into the non-blocking verb
// shape the operation engine expects (SPEC_FULL.md §2). Every verb that the
// underlying driver can only perform synchronously is kicked off on its own
// goroutine; the goroutine reports back through the InternalConnection's
// Waiter once it resolves.
type GoMySQL struct{}

// NewGoMySQL returns the default production MysqlHandler.
func NewGoMySQL() *GoMySQL { return &GoMySQL{} }

// conn is the concrete InternalConnection: a live *gmclient.Conn plus the
// bookkeeping needed to turn its blocking calls into Pending/Done/Err.
type conn struct {
	mu sync.Mutex

	raw    *gmclient.Conn
	waiter Waiter

	lastErr error

	// query/fetch streaming state, reset on every RunQuery
	rows       chan Row
	queryDone  chan error
	meta       ResultMeta
	metaReady  bool
	fieldCount int

	// connect state, populated once TryConnect resolves
	connectErr error
	connectRdy chan struct{}
}

func (c *conn) FD() uintptr {
	if tcp, ok := c.raw.Conn.Conn.(*net.TCPConn); ok {
		f, err := tcp.File()
		if err == nil {
			return f.Fd()
		}
	}
	return 0
}

func (c *conn) ConnectionID() uint32 {
	return c.raw.GetConnectionID()
}

func (c *conn) ServerVersion() string {
	return c.raw.GetServerVersion()
}

func (c *conn) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *conn) setErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// SetWaiter implements handler.WaiterSetter: it installs the continuation
// callback the background goroutines invoke once a Pending verb resolves.
func (c *conn) SetWaiter(w Waiter) {
	c.mu.Lock()
	c.waiter = w
	c.mu.Unlock()
}

func (c *conn) notifyWaiter() {
	c.mu.Lock()
	w := c.waiter
	c.mu.Unlock()
	if w != nil {
		w.Continue()
	}
}

// TLSConnectionState reports the TLS session negotiated during connect, if
// the underlying socket is a *tls.Conn (spec.md §4.2 completion side-effect:
// "store TLS session"). Mirrors the *net.TCPConn type assertion FD() uses.
func (c *conn) TLSConnectionState() (tls.ConnectionState, bool) {
	if tlsConn, ok := c.raw.Conn.Conn.(*tls.Conn); ok {
		return tlsConn.ConnectionState(), true
	}
	return tls.ConnectionState{}, false
}

func (h *GoMySQL) TryConnect(ctx context.Context, existing InternalConnection, key ConnectKey, opts ConnectOptions, flags ConnectFlags) (InternalConnection, Status) {
	if existing != nil {
		return existing, pollConnect(existing.(*conn))
	}

	c := &conn{connectRdy: make(chan struct{})}

	addr := key.Host
	if key.UnixSocketPath != "" {
		addr = key.UnixSocketPath
	} else if key.Port != 0 {
		addr = fmt.Sprintf("%s:%d", key.Host, key.Port)
	}

	go func() {
		dialer := func(ctx context.Context, network, address string) (net.Conn, error) {
			d := net.Dialer{}
			nc, err := d.DialContext(ctx, network, address)
			if err != nil {
				return nil, err
			}
			if opts.DSCP >= 0 {
				applyDSCP(nc, opts.DSCP)
			}
			return nc, nil
		}
		network := "tcp"
		if key.UnixSocketPath != "" {
			network = "unix"
		}

		options := connectOptionFuncs(opts, flags)
		raw, err := gmclient.ConnectWithDialer(ctx, network, addr, key.User, key.Password, key.Database, dialer, options...)
		c.mu.Lock()
		if err != nil {
			c.connectErr = err
		} else {
			c.raw = raw
		}
		c.mu.Unlock()
		close(c.connectRdy)
		c.notifyWaiter()
	}()

	select {
	case <-c.connectRdy:
		// Connect finished before we even registered interest (common on
		// local/unix-socket connects): report it synchronously.
		if c.connectErr != nil {
			c.setErr(c.connectErr)
			return c, Err
		}
		return c, Done
	default:
		return c, Pending
	}
}

func pollConnect(c *conn) Status {
	select {
	case <-c.connectRdy:
		if c.connectErr != nil {
			c.setErr(c.connectErr)
			return Err
		}
		return Done
	default:
		return Pending
	}
}

// applyDSCP sets the socket's IP_TOS DiffServ code point, warn-logging on
// failure rather than aborting the connect attempt over it (spec.md §4.2
// step 2: "DSCP (warn-log on failure)"). Only *net.TCPConn sockets support
// the fd-based sockopt; other net.Conn implementations are left alone.
func applyDSCP(nc net.Conn, dscp int) {
	tcp, ok := nc.(*net.TCPConn)
	if !ok {
		return
	}
	f, err := tcp.File()
	if err != nil {
		slog.Warn("asyncmy: dscp socket option skipped, could not obtain fd", "err", err)
		return
	}
	defer f.Close()
	if err := unix.SetsockoptInt(int(f.Fd()), unix.IPPROTO_IP, unix.IP_TOS, dscp<<2); err != nil {
		slog.Warn("asyncmy: dscp setsockopt failed", "dscp", dscp, "err", err)
	}
}

func connectOptionFuncs(opts ConnectOptions, flags ConnectFlags) []gmclient.Option {
	var fns []gmclient.Option
	if opts.TLSConfig != nil {
		tlsCfg := opts.TLSConfig.Clone()
		if opts.SNIServerName != "" {
			tlsCfg.ServerName = opts.SNIServerName
		}
		fns = append(fns, func(c *gmclient.Conn) error {
			c.SetTLSConfig(tlsCfg)
			return nil
		})
	}
	if flags&FlagCompress != 0 && opts.CompressionOK {
		fns = append(fns, func(c *gmclient.Conn) error {
			c.SetCapability(gmmysql.CLIENT_COMPRESS)
			return nil
		})
	}
	if flags&FlagMultiStatements != 0 {
		fns = append(fns, func(c *gmclient.Conn) error {
			c.SetCapability(gmmysql.CLIENT_MULTI_STATEMENTS)
			return nil
		})
	}
	for k, v := range opts.Attributes {
		k, v := k, v
		fns = append(fns, func(c *gmclient.Conn) error {
			c.SetAttributes(map[string]string{k: v})
			return nil
		})
	}
	return fns
}

func (h *GoMySQL) RunQuery(ic InternalConnection, sql []byte) Status {
	c := ic.(*conn)
	c.rows = make(chan Row, 1) // one prefetched row, per RowStream's contract
	c.queryDone = make(chan error, 1)
	c.metaReady = false

	go func() {
		result := &gmmysql.Result{}
		err := c.raw.ExecuteSelectStreaming(string(sql), result, func(vals []gmmysql.FieldValue) error {
			row := rowFromValues(result, vals)
			c.rows <- row // blocks while a consumer pause withholds FetchRow calls
			return nil
		}, nil)

		c.mu.Lock()
		c.meta = metaFromResult(result)
		c.metaReady = true
		c.mu.Unlock()

		close(c.rows)
		c.queryDone <- err
		c.notifyWaiter()
	}()

	return Pending
}

func rowFromValues(result *gmmysql.Result, vals []gmmysql.FieldValue) Row {
	row := Row{Values: make([]FieldValue, len(vals))}
	for i, v := range vals {
		name := ""
		if result != nil && i < len(result.Fields) {
			name = string(result.Fields[i].Name)
		}
		row.Values[i] = FieldValue{
			Name:     name,
			IsNull:   v.Type == gmmysql.FieldValueTypeNull,
			AsString: []byte(fmt.Sprintf("%v", v.Value())),
		}
	}
	return row
}

func metaFromResult(result *gmmysql.Result) ResultMeta {
	m := ResultMeta{ApproxRowCount: -1}
	if result == nil {
		return m
	}
	for _, f := range result.Fields {
		m.FieldNames = append(m.FieldNames, string(f.Name))
	}
	m.AffectedRows = result.AffectedRows
	m.LastInsertID = result.InsertId
	m.HasMoreResults = result.Status&gmmysql.SERVER_MORE_RESULTS_EXISTS != 0
	return m
}

// FetchRow drains the next buffered row, or reports Pending if the
// streaming goroutine hasn't produced one yet, or Done with hasRow=false at
// end of result set.
func (h *GoMySQL) FetchRow(ic InternalConnection) (Row, bool, Status) {
	c := ic.(*conn)
	select {
	case row, ok := <-c.rows:
		if !ok {
			return Row{}, false, Done
		}
		return row, true, Done
	default:
		return Row{}, false, Pending
	}
}

func (h *GoMySQL) GetFieldCount(ic InternalConnection) int {
	c := ic.(*conn)
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.meta.FieldNames)
}

func (h *GoMySQL) GetResult(ic InternalConnection) ResultMeta {
	c := ic.(*conn)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta
}

// NextResult reports whether the just-finished statement left another
// result set queued (multi-statement query). Our streaming implementation
// above resolves every statement's rows through the same channel per
// RunQuery call, so by the time CompleteQuery is reached queryDone already
// carries the final error/nil and metaReady reflects the last result.
// NextResult itself reads meta.HasMoreResults (set from
// SERVER_MORE_RESULTS_EXISTS) and reports MoreResults, which the fetch state
// machine uses to loop back to StartQuery.
func (h *GoMySQL) NextResult(ic InternalConnection) Status {
	c := ic.(*conn)
	select {
	case err := <-c.queryDone:
		if err != nil {
			c.setErr(err)
			return Err
		}
		c.mu.Lock()
		more := c.meta.HasMoreResults
		c.mu.Unlock()
		if more {
			return MoreResults
		}
		return Done
	default:
		return Pending
	}
}

func (h *GoMySQL) ResetConn(ic InternalConnection) Status {
	c := ic.(*conn)
	if err := c.raw.ResetConnection(); err != nil {
		c.setErr(err)
		return Err
	}
	return Done
}

func (h *GoMySQL) ChangeUser(ic InternalConnection, key ConnectKey) Status {
	c := ic.(*conn)
	if err := c.raw.ReConnect(); err != nil {
		c.setErr(err)
		return Err
	}
	return Done
}

func (h *GoMySQL) KillQuery(ic InternalConnection, connectionID uint32) error {
	c := ic.(*conn)
	killer, err := gmclient.Connect(c.raw.Conn.RemoteAddr().String(), "", "", "")
	if err != nil {
		return err
	}
	defer killer.Close()
	_, err = killer.Execute(fmt.Sprintf("KILL QUERY %d", connectionID))
	return err
}

func (h *GoMySQL) Close(ic InternalConnection) error {
	c := ic.(*conn)
	if c.raw == nil {
		return nil
	}
	return c.raw.Close()
}

var _ MysqlHandler = (*GoMySQL)(nil)
