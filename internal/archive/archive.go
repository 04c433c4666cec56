// Package archive optionally ships per-node log files
// (logs/node_<id>_log) off-box, onto
// S3, an FTP server, or an SFTP server (§11).
package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/jlaffaye/ftp"
	"golang.org/x/crypto/ssh"

	"github.com/plcnet/plcnode/internal/engineconfig"
)

// Archiver ships one local file to an off-box destination.
type Archiver interface {
	ArchiveFile(ctx context.Context, localPath string) error
	Close() error
}

// New builds the Archiver named by cfg.Backend. A disabled config
// returns a no-op Archiver so callers don't need to branch on
// cfg.Enabled themselves.
func New(cfg engineconfig.ArchiveConfig) (Archiver, error) {
	if !cfg.Enabled {
		return noopArchiver{}, nil
	}
	switch cfg.Backend {
	case "s3":
		return newS3Archiver(cfg)
	case "ftp":
		return newFTPArchiver(cfg)
	case "sftp":
		return newSFTPArchiver(cfg)
	default:
		return nil, fmt.Errorf("archive: unknown backend %q", cfg.Backend)
	}
}

type noopArchiver struct{}

func (noopArchiver) ArchiveFile(context.Context, string) error { return nil }
func (noopArchiver) Close() error                              { return nil }

// --- S3 ---

type s3Archiver struct {
	client *s3.S3
	bucket string
}

func newS3Archiver(cfg engineconfig.ArchiveConfig) (*s3Archiver, error) {
	sess, err := session.NewSession(&aws.Config{
		Region:      aws.String("us-east-1"),
		Credentials: credentials.NewStaticCredentials(cfg.Username, cfg.Password, ""),
	})
	if err != nil {
		return nil, fmt.Errorf("archive: creating AWS session: %w", err)
	}
	client := s3.New(sess)
	if _, err := client.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, fmt.Errorf("archive: accessing bucket %q: %w", cfg.Bucket, err)
	}
	return &s3Archiver{client: client, bucket: cfg.Bucket}, nil
}

func (a *s3Archiver) ArchiveFile(ctx context.Context, localPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("archive: reading %s: %w", localPath, err)
	}
	key := filepath.Base(localPath)
	_, err = a.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("archive: uploading %s to s3: %w", key, err)
	}
	return nil
}

func (a *s3Archiver) Close() error { return nil }

// --- FTP ---

type ftpArchiver struct {
	conn *ftp.ServerConn
}

func newFTPArchiver(cfg engineconfig.ArchiveConfig) (*ftpArchiver, error) {
	conn, err := ftp.Dial(cfg.Host, ftp.DialWithTimeout(5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("archive: dialing ftp server %s: %w", cfg.Host, err)
	}
	if err := conn.Login(cfg.Username, cfg.Password); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("archive: logging into ftp server: %w", err)
	}
	return &ftpArchiver{conn: conn}, nil
}

func (a *ftpArchiver) ArchiveFile(ctx context.Context, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("archive: opening %s: %w", localPath, err)
	}
	defer f.Close()

	if err := a.conn.Stor(filepath.Base(localPath), f); err != nil {
		return fmt.Errorf("archive: storing %s over ftp: %w", localPath, err)
	}
	return nil
}

func (a *ftpArchiver) Close() error { return a.conn.Quit() }

// --- SFTP (over a raw SSH session, matching the teacher's exec-based
// approach rather than a dedicated sftp client package) ---

type sftpArchiver struct {
	client *ssh.Client
}

func newSFTPArchiver(cfg engineconfig.ArchiveConfig) (*sftpArchiver, error) {
	config := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(cfg.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	client, err := ssh.Dial("tcp", cfg.Host, config)
	if err != nil {
		return nil, fmt.Errorf("archive: dialing sftp host %s: %w", cfg.Host, err)
	}
	return &sftpArchiver{client: client}, nil
}

func (a *sftpArchiver) ArchiveFile(ctx context.Context, localPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("archive: reading %s: %w", localPath, err)
	}

	session, err := a.client.NewSession()
	if err != nil {
		return fmt.Errorf("archive: opening ssh session: %w", err)
	}
	defer session.Close()

	session.Stdin = bytes.NewReader(data)
	remotePath := filepath.Base(localPath)
	if err := session.Run(fmt.Sprintf("cat > %s", remotePath)); err != nil {
		return fmt.Errorf("archive: writing %s over sftp session: %w", remotePath, err)
	}
	return nil
}

func (a *sftpArchiver) Close() error { return a.client.Close() }
