package main

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"

	log "github.com/quillstream/groupmeta/logger"

	"github.com/quillstream/groupmeta/common"
	"github.com/quillstream/groupmeta/groupcodec"
)

type arguments struct {
	File    string     `arg:"" help:"Path to a coordinator log record dump" type:"existingfile"`
	Offsets bool       `help:"Print offset commit records" default:"true" negatable:""`
	Groups  bool       `help:"Print group metadata records" default:"true" negatable:""`
	Log     log.Config `help:"Configuration for the logger" embed:"" prefix:"log-"`
}

// metadump prints the decoded contents of a coordinator log record dump. The dump
// format is a sequence of framed records: a 4 byte big endian key length, the key
// bytes, a 4 byte big endian value length, the value bytes. A value length of -1
// marks a tombstone.
func main() {
	defer common.PanicHandler()
	args := &arguments{}
	parser, err := kong.New(args)
	if err != nil {
		logErrorAndExit(err.Error())
	}
	if _, err := parser.Parse(os.Args[1:]); err != nil {
		logErrorAndExit(err.Error())
	}
	if err := args.Log.Configure(); err != nil {
		logErrorAndExit(err.Error())
	}
	if err := dump(args); err != nil {
		logErrorAndExit(err.Error())
	}
}

func logErrorAndExit(msg string) {
	log.Errorf(msg)
	os.Exit(1)
}

func dump(args *arguments) error {
	f, err := os.Open(args.File)
	if err != nil {
		return err
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Warnf("failed to close %s: %v", args.File, err)
		}
	}()
	r := bufio.NewReader(f)
	recordNum := 0
	for {
		key, value, err := readFrame(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("record %d: %w", recordNum, err)
		}
		if err := printRecord(args, recordNum, key, value); err != nil {
			return fmt.Errorf("record %d: %w", recordNum, err)
		}
		recordNum++
	}
}

func readFrame(r *bufio.Reader) ([]byte, []byte, error) {
	key, err := readField(r, false)
	if err != nil {
		return nil, nil, err
	}
	value, err := readField(r, true)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		return nil, nil, err
	}
	return key, value, nil
}

func readField(r *bufio.Reader, nullable bool) ([]byte, error) {
	var lenBuff [4]byte
	if _, err := io.ReadFull(r, lenBuff[:]); err != nil {
		return nil, err
	}
	length := int32(binary.BigEndian.Uint32(lenBuff[:]))
	if length == -1 {
		if !nullable {
			return nil, fmt.Errorf("null key")
		}
		return nil, nil
	}
	if length < 0 {
		return nil, fmt.Errorf("invalid field length %d", length)
	}
	field := make([]byte, length)
	if _, err := io.ReadFull(r, field); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return field, nil
}

func printRecord(args *arguments, recordNum int, key []byte, value []byte) error {
	kind, offsetKey, groupKey, err := groupcodec.DecodeKey(key)
	if err != nil {
		return err
	}
	switch kind {
	case groupcodec.KeyKindOffsetCommit:
		if !args.Offsets {
			return nil
		}
		if value == nil {
			fmt.Printf("%d: offset tombstone group=%s topic=%s partition=%d\n", recordNum,
				offsetKey.Group, offsetKey.Topic, offsetKey.Partition)
			return nil
		}
		v, err := groupcodec.DecodeOffsetCommitValue(value)
		if err != nil {
			return err
		}
		fmt.Printf("%d: offset commit group=%s topic=%s partition=%d offset=%d leaderEpoch=%d metadata=%q commitTimestamp=%d expireTimestamp=%d\n",
			recordNum, offsetKey.Group, offsetKey.Topic, offsetKey.Partition, v.Offset, v.LeaderEpoch,
			v.Metadata, v.CommitTimestamp, v.ExpireTimestamp)
	case groupcodec.KeyKindGroupMetadata:
		if !args.Groups {
			return nil
		}
		if value == nil {
			fmt.Printf("%d: group tombstone group=%s\n", recordNum, groupKey.Group)
			return nil
		}
		v, err := groupcodec.DecodeGroupMetadataValue(value)
		if err != nil {
			return err
		}
		fmt.Printf("%d: group metadata group=%s protocolType=%s generation=%d protocol=%s leader=%s currentStateTimestamp=%d members=%d\n",
			recordNum, groupKey.Group, v.ProtocolType, v.Generation, common.SafeDerefStringPtr(v.Protocol),
			common.SafeDerefStringPtr(v.Leader), v.CurrentStateTimestamp, len(v.Members))
		for _, m := range v.Members {
			instance := ""
			if m.GroupInstanceID != nil {
				instance = " instanceId=" + *m.GroupInstanceID
			}
			fmt.Printf("    member=%s%s clientId=%s clientHost=%s rebalanceTimeout=%d sessionTimeout=%d\n",
				m.MemberID, instance, m.ClientID, m.ClientHost, m.RebalanceTimeout, m.SessionTimeout)
		}
	}
	return nil
}
