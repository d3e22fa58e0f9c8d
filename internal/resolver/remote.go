package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/proxycad/proxycad/internal/cache"
	"github.com/proxycad/proxycad/internal/failure"
)

// stage 将远程数据集（主文件 + 侧车）落地到磁盘，返回主文件路径。
// 同一 URL 的并发请求只下载一次；下载本身只受 NetworkTimeout 约束，调用方取消只会放弃等待。
func (r *Resolver) stage(ctx context.Context, tgt target) (string, error) {
	if r.staging == nil {
		return "", failure.Newf(failure.UnresolvableSource, "remote staging is not configured")
	}
	u, err := url.Parse(tgt.location)
	if err != nil || u.Host == "" {
		return "", failure.Newf(failure.UnresolvableSource, "invalid source url")
	}

	ch := r.group.DoChan(tgt.location, func() (any, error) {
		fetchCtx := context.WithoutCancel(ctx)
		if r.opts.NetworkTimeout > 0 {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithTimeout(fetchCtx, r.opts.NetworkTimeout)
			defer cancel()
		}
		return r.fetch(fetchCtx, u, tgt)
	})
	select {
	case <-ctx.Done():
		kind, _ := failure.KindOf(ctx.Err())
		return "", failure.New(kind, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// contentNamespace 存放按内容摘要发布的文件集，主机名不可能包含 '@'。
const contentNamespace = "@content"

func namespaceFor(u *url.URL) string {
	return strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(strings.ToLower(u.Host))
}

// fetch 先把主文件与侧车同步到 <host>/<path> 镜像（已有镜像时带 If-Modified-Since），
// 再把整组文件发布到 @content/<sha256>/ 下。句柄只指向发布后的路径，该路径一经写入不再改变。
func (r *Resolver) fetch(ctx context.Context, u *url.URL, tgt target) (string, error) {
	ns := namespaceFor(u)
	mainLoc := cache.Locator{Namespace: ns, Path: u.Path}
	mainPath, err := r.staging.Path(mainLoc)
	if err != nil {
		return "", failure.New(failure.UnresolvableSource, err)
	}
	d, err := r.driverFor(tgt, mainPath)
	if err != nil {
		return "", err
	}

	start := time.Now()
	files := []cache.Locator{mainLoc}
	if _, err := r.download(ctx, u.String(), mainLoc, true); err != nil {
		_ = r.staging.Remove(context.Background(), mainLoc)
		return "", classifyFetchError(err)
	}
	for _, side := range d.Sidecars(mainPath) {
		base := filepath.Base(side)
		sideURL := *u
		sideURL.Path = path.Join(path.Dir(u.Path), base)
		sideURL.RawQuery = ""
		loc := cache.Locator{Namespace: ns, Path: sideURL.Path}
		found, err := r.download(ctx, sideURL.String(), loc, false)
		if err != nil {
			return "", classifyFetchError(err)
		}
		if found {
			files = append(files, loc)
		}
	}

	published, err := r.publish(ctx, files)
	if err != nil {
		return "", classifyFetchError(err)
	}
	r.logger.WithFields(logrus.Fields{
		"action":   "source_staged",
		"url":      u.Redacted(),
		"path":     published,
		"duration": time.Since(start).String(),
	}).Info("remote source staged")
	return published, nil
}

// publish 对镜像文件集（文件名 + 内容）求摘要，并复制到 @content/<摘要>/<文件名>。
// 目标已存在时说明内容相同，直接复用。
func (r *Resolver) publish(ctx context.Context, files []cache.Locator) (string, error) {
	h := sha256.New()
	for _, loc := range files {
		if err := r.hashStaged(ctx, h, loc); err != nil {
			return "", err
		}
	}
	digest := hex.EncodeToString(h.Sum(nil))

	var mainPath string
	for i, loc := range files {
		dst := cache.Locator{Namespace: contentNamespace, Path: path.Join(digest, path.Base(loc.Path))}
		if i == 0 {
			p, err := r.staging.Path(dst)
			if err != nil {
				return "", err
			}
			mainPath = p
		}
		if existing, err := r.staging.Get(ctx, dst); err == nil {
			existing.Reader.Close()
			continue
		}
		src, err := r.staging.Get(ctx, loc)
		if err != nil {
			return "", err
		}
		_, err = r.staging.Put(ctx, dst, src.Reader, cache.PutOptions{ModTime: src.Entry.ModTime})
		src.Reader.Close()
		if err != nil {
			return "", err
		}
	}
	return mainPath, nil
}

func (r *Resolver) hashStaged(ctx context.Context, w io.Writer, loc cache.Locator) error {
	res, err := r.staging.Get(ctx, loc)
	if err != nil {
		return err
	}
	defer res.Reader.Close()
	fmt.Fprintf(w, "%s\x00%d\x00", path.Base(loc.Path), res.Entry.SizeBytes)
	_, err = io.Copy(w, res.Reader)
	return err
}

// download 同步单个镜像文件。镜像已存在时发送 If-Modified-Since，304 保留原文件。
// required 为 false 时 404 返回 found=false 并删除过期的镜像。
func (r *Resolver) download(ctx context.Context, rawURL string, loc cache.Locator, required bool) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return false, err
	}
	mirrored := false
	if cur, err := r.staging.Get(ctx, loc); err == nil {
		cur.Reader.Close()
		mirrored = true
		req.Header.Set("If-Modified-Since", cur.Entry.ModTime.UTC().Format(http.TimeFormat))
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotModified && mirrored:
		return true, nil
	case resp.StatusCode == http.StatusNotFound && !required:
		return false, r.staging.Remove(ctx, loc)
	default:
		return false, fmt.Errorf("%w: %s returned %d", errRemoteStatus, path.Base(loc.Path), resp.StatusCode)
	}

	opts := cache.PutOptions{}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			opts.ModTime = t
		}
	}
	if _, err := r.staging.Put(ctx, loc, resp.Body, opts); err != nil {
		return false, err
	}
	return true, nil
}

func classifyFetchError(err error) error {
	var fe *failure.Error
	if errors.As(err, &fe) {
		return fe
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return failure.New(failure.Timeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return failure.New(failure.Cancelled, err)
	}
	return failure.New(failure.UnresolvableSource, err)
}
