// Package cache 管理两类磁盘状态：远程数据源的落地文件（Store），以及按
// (数据集指纹, 计划摘要) 寻址的变换产物缓存（Cache）。
//
// 产物缓存按 LRU 与最大存活时间淘汰，索引可落在本地 CBOR 快照或 Redis 哈希中，
// 产物文件可落在本地目录或 MinIO/S3 桶中。同一个键的并发请求只触发一次构建。
package cache
