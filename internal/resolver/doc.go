// Package resolver 将请求中的数据集标识（具名数据源、受限目录下的路径或 http(s) URL）
// 解析为只读的 dataset.Handle。解析只读取头信息与侧车文件；远程数据源先落地到
// StoragePath/sources，再按本地文件探测。
package resolver
