package mailbridge

import (
	"crypto/tls"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	imap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"go.uber.org/zap"
)

// RawMessage is one fetched mailbox message: its 1-based sequence number
// within the folder and the full wire bytes.
type RawMessage struct {
	SeqNum int
	Data   []byte
}

// Folder is the slice of the mailbox protocol the reader needs: count,
// range fetch in folder order, deletion flagging and expunge-on-close.
type Folder interface {
	Count() (int, error)
	Fetch(start, end int) ([]RawMessage, error)
	MarkDeleted(seqNums []int) error
	Close(expunge bool) error
}

// MailReader drains a mailbox folder in bounded batches. The cursor is a
// 1-based offset into the folder and only moves forward within a reader
// lifetime; whether consumed messages are flagged for deletion is decided
// once per lifetime, at the first count, from expungeAlways and the inbox
// limit. The same frozen decision drives the expunge at close, so mail
// arriving mid-drain cannot flip the retention policy half way.
type MailReader struct {
	folder        Folder
	inboxLimit    int
	expungeAlways bool
	logger        *zap.SugaredLogger
	events        EventSink

	cursor         int
	expungeDecided bool
	expunge        bool
}

// NewMailReader returns a reader positioned at the start of the folder.
func NewMailReader(folder Folder, inboxLimit int, expungeAlways bool,
	logger *zap.SugaredLogger, events EventSink) *MailReader {
	return &MailReader{
		folder:        folder,
		inboxLimit:    inboxLimit,
		expungeAlways: expungeAlways,
		logger:        logger,
		events:        events,
		cursor:        1,
	}
}

// Count returns the current folder message count.
func (r *MailReader) Count() (int, error) {
	return r.folder.Count()
}

// ReadBatch fetches and decomposes up to batchSize messages from the
// cursor. Messages that fail to decompose are logged and skipped without
// being marked for deletion, so they are retried on a later drain; the
// rest of the batch is unaffected. The second return is the number of raw
// messages the window held, so callers can tell an exhausted folder
// (zero) apart from a window where every message failed to decompose.
// Protocol errors are returned as-is and abort the read cycle.
func (r *MailReader) ReadBatch(batchSize int) ([]*EmailMsg, int, error) {
	if batchSize <= 0 {
		return nil, 0, errors.Newf("batch size must be positive, got %d", batchSize)
	}

	count, err := r.folder.Count()
	if err != nil {
		r.events.MessageReceiveFailed(err)
		return nil, 0, errors.Wrap(err, "failed to count inbox messages")
	}
	if count == 0 {
		r.logger.Info("no email messages found")
		return nil, 0, nil
	}
	r.freezeRetention(count)

	end := r.cursor + batchSize - 1
	if end > count {
		end = count
	}
	if r.cursor > end {
		return nil, 0, nil
	}

	fetched, err := r.folder.Fetch(r.cursor, end)
	if err != nil {
		r.events.MessageReceiveFailed(err)
		return nil, 0, errors.Wrapf(err, "failed to fetch messages [%d, %d]", r.cursor, end)
	}

	var msgs []*EmailMsg
	var processed []int
	for _, raw := range fetched {
		msg, err := Decompose(raw.Data)
		if err != nil {
			r.logger.Errorw("skipping undecodable message",
				"seqnum", raw.SeqNum,
				"error", err)
			r.events.MessageReceiveFailed(err)
			continue
		}
		r.events.MessageReceived(msg.RequestID, msg.SenderAddress, headerValue(msg.Headers, "Subject"))
		msgs = append(msgs, msg)
		processed = append(processed, raw.SeqNum)
	}

	if r.expunge && len(processed) > 0 {
		if err := r.folder.MarkDeleted(processed); err != nil {
			return nil, 0, errors.Wrap(err, "failed to flag messages for deletion")
		}
	}

	// advance past the whole requested window, matching end-of-inbox
	// semantics rather than a sliding re-read
	r.cursor += batchSize
	return msgs, len(fetched), nil
}

// Close releases the folder, expunging flagged messages when the frozen
// retention decision says so.
func (r *MailReader) Close() error {
	if !r.expungeDecided {
		if count, err := r.folder.Count(); err == nil {
			r.freezeRetention(count)
		}
	}
	return r.folder.Close(r.expunge)
}

func (r *MailReader) freezeRetention(count int) {
	if r.expungeDecided {
		return
	}
	r.expungeDecided = true
	r.expunge = r.expungeAlways || count > r.inboxLimit
	if r.expunge && !r.expungeAlways {
		r.logger.Warnw("inbox limit exceeded, expunge forced",
			"count", count,
			"limit", r.inboxLimit)
	}
}

// imapFolder adapts an IMAP connection to the Folder interface. A single
// connection is not safe for concurrent use; callers serialize access.
type imapFolder struct {
	client *client.Client
	logger *zap.SugaredLogger
}

// DialFolder connects to the configured IMAP server and selects INBOX
// read-write.
func DialFolder(config *Config, logger *zap.SugaredLogger) (Folder, error) {
	address := fmt.Sprintf("%s:%d", config.ImapHost, config.ImapPort)

	var c *client.Client
	var err error
	if config.ImapTLS {
		c, err = client.DialTLS(address, &tls.Config{ServerName: config.ImapHost})
	} else {
		c, err = client.Dial(address)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial imap server %s", address)
	}

	if err := c.Login(config.ImapUser, config.ImapPassword); err != nil {
		err2 := c.Logout()
		return nil, appendError(errors.Wrap(err, "imap login failed"), err2)
	}

	if _, err := c.Select("INBOX", false); err != nil {
		err2 := c.Logout()
		return nil, appendError(errors.Wrap(err, "failed to select inbox"), err2)
	}

	return &imapFolder{client: c, logger: logger}, nil
}

func (f *imapFolder) Count() (int, error) {
	mbox := f.client.Mailbox()
	if mbox == nil {
		return 0, errors.New("no mailbox selected")
	}
	return int(mbox.Messages), nil
}

func (f *imapFolder) Fetch(start, end int) ([]RawMessage, error) {
	seqset := new(imap.SeqSet)
	seqset.AddRange(uint32(start), uint32(end))

	section := &imap.BodySectionName{}
	items := []imap.FetchItem{section.FetchItem()}

	messages := make(chan *imap.Message, end-start+1)
	done := make(chan error, 1)
	go func() {
		done <- f.client.Fetch(seqset, items, messages)
	}()

	var fetched []RawMessage
	for msg := range messages {
		body := msg.GetBody(section)
		if body == nil {
			f.logger.Warnw("fetched message without body section", "seqnum", msg.SeqNum)
			continue
		}
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, appendError(errors.WithStack(err), <-done)
		}
		fetched = append(fetched, RawMessage{SeqNum: int(msg.SeqNum), Data: data})
	}
	if err := <-done; err != nil {
		return nil, errors.Wrap(err, "imap fetch failed")
	}
	return fetched, nil
}

func (f *imapFolder) MarkDeleted(seqNums []int) error {
	seqset := new(imap.SeqSet)
	for _, num := range seqNums {
		seqset.AddNum(uint32(num))
	}

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.DeletedFlag}
	return errors.Wrap(f.client.Store(seqset, item, flags, nil),
		"failed to flag messages deleted")
}

func (f *imapFolder) Close(expunge bool) error {
	if expunge {
		// CLOSE expunges every message flagged \Deleted
		err := f.client.Close()
		return appendError(errors.WithStack(err), f.client.Logout())
	}
	return errors.WithStack(f.client.Logout())
}
